package config

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParsePlans(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    map[string]Plan
		wantErr bool
	}{
		{
			name: "empty string",
			raw:  "",
			want: map[string]Plan{},
		},
		{
			name: "empty list",
			raw:  "[]",
			want: map[string]Plan{},
		},
		{
			name: "single plan",
			raw:  `[{"id":"pro","name":"Pro","duration_ms":2592000000,"extra_storage_b64":1073741824,"extra_outbound_bytes":5368709120}]`,
			want: map[string]Plan{
				"pro": {
					ID:                 "pro",
					Name:               "Pro",
					DurationMs:         2592000000,
					ExtraStorageB64:    1073741824,
					ExtraOutboundBytes: 5368709120,
				},
			},
		},
		{
			name:    "invalid json",
			raw:     `{"id":"pro"}`,
			wantErr: true,
		},
		{
			name:    "missing id",
			raw:     `[{"name":"Pro","duration_ms":1000}]`,
			wantErr: true,
		},
		{
			name:    "zero duration",
			raw:     `[{"id":"pro","duration_ms":0}]`,
			wantErr: true,
		},
		{
			name:    "negative extras",
			raw:     `[{"id":"pro","duration_ms":1000,"extra_storage_b64":-1}]`,
			wantErr: true,
		},
		{
			name:    "duplicate plan id",
			raw:     `[{"id":"pro","duration_ms":1},{"id":"pro","duration_ms":2}]`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePlans(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePlans() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParsePlans() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBaseQuotaNilMeansUnlimited(t *testing.T) {
	c := &Config{BaseUserStorageB64: -1, BaseUserOutboundBytes: 1024}

	if c.BaseStorageB64() != nil {
		t.Error("negative base storage should map to unlimited (nil)")
	}
	out := c.BaseOutboundBytes()
	if out == nil || *out != 1024 {
		t.Errorf("BaseOutboundBytes() = %v, want 1024", out)
	}
}
