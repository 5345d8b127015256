package syncx

import "testing"

func TestHLCNewer(t *testing.T) {
	tests := []struct {
		name string
		a, b HLC
		want bool
	}{
		{
			name: "greater wall wins",
			a:    HLC{WallTimeMsUtc: 11, Counter: 0, DeviceID: "A"},
			b:    HLC{WallTimeMsUtc: 10, Counter: 99, DeviceID: "Z"},
			want: true,
		},
		{
			name: "equal wall, greater counter wins",
			a:    HLC{WallTimeMsUtc: 10, Counter: 1, DeviceID: "A"},
			b:    HLC{WallTimeMsUtc: 10, Counter: 0, DeviceID: "Z"},
			want: true,
		},
		{
			name: "equal wall and counter, device breaks tie",
			a:    HLC{WallTimeMsUtc: 10, Counter: 0, DeviceID: "B"},
			b:    HLC{WallTimeMsUtc: 10, Counter: 0, DeviceID: "A"},
			want: true,
		},
		{
			name: "identical triples are not newer",
			a:    HLC{WallTimeMsUtc: 10, Counter: 0, DeviceID: "A"},
			b:    HLC{WallTimeMsUtc: 10, Counter: 0, DeviceID: "A"},
			want: false,
		},
		{
			name: "older wall loses even with larger counter",
			a:    HLC{WallTimeMsUtc: 9, Counter: 100, DeviceID: "Z"},
			b:    HLC{WallTimeMsUtc: 10, Counter: 0, DeviceID: "A"},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Newer(tt.b); got != tt.want {
				t.Errorf("Newer() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestServerTombstoneHLC(t *testing.T) {
	tests := []struct {
		name         string
		existingWall int64
		nowMs        int64
		wantWall     int64
	}{
		{name: "now ahead of row", existingWall: 100, nowMs: 500, wantWall: 501},
		{name: "row ahead of now", existingWall: 900, nowMs: 500, wantWall: 901},
		{name: "equal", existingWall: 500, nowMs: 500, wantWall: 501},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ServerTombstoneHLC(tt.existingWall, tt.nowMs)
			if got.WallTimeMsUtc != tt.wantWall {
				t.Errorf("wall = %d, want %d", got.WallTimeMsUtc, tt.wantWall)
			}
			if got.Counter != 0 || got.DeviceID != ServerDeviceID {
				t.Errorf("got %+v, want counter 0 and device %q", got, ServerDeviceID)
			}
			// Must out-order the existing row whatever its counter was.
			existing := HLC{WallTimeMsUtc: tt.existingWall, Counter: 1 << 40, DeviceID: "zzz"}
			if !got.Newer(existing) {
				t.Errorf("tombstone HLC %+v not newer than existing %+v", got, existing)
			}
		})
	}
}
