package syncx

// HLC is a hybrid-logical-clock triple. Records carry one per version;
// the server never advances clocks, it only compares them.
type HLC struct {
	WallTimeMsUtc int64  `json:"wallTimeMsUtc"`
	Counter       int64  `json:"counter"`
	DeviceID      string `json:"deviceId"`
}

// Newer reports whether a is strictly newer than b.
// The order is lexicographic on (wall, counter, deviceId); device IDs are
// opaque client strings so byte order is sufficient.
func (a HLC) Newer(b HLC) bool {
	if a.WallTimeMsUtc != b.WallTimeMsUtc {
		return a.WallTimeMsUtc > b.WallTimeMsUtc
	}
	if a.Counter != b.Counter {
		return a.Counter > b.Counter
	}
	return a.DeviceID > b.DeviceID
}

// ServerDeviceID is the device id stamped on server-authored tombstones.
const ServerDeviceID = "server"

// ServerTombstoneHLC builds an HLC that is guaranteed strictly newer than
// a row whose wall time is existingWall, regardless of its counter/device.
func ServerTombstoneHLC(existingWall, nowMs int64) HLC {
	wall := existingWall
	if nowMs > wall {
		wall = nowMs
	}
	return HLC{WallTimeMsUtc: wall + 1, Counter: 0, DeviceID: ServerDeviceID}
}
