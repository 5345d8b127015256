package syncx

import "time"

// NowMs returns current Unix milliseconds (UTC)
func NowMs() int64 {
	return time.Now().UTC().UnixMilli()
}

// MonthKeyUTC converts epoch milliseconds to year*100+month in UTC.
// The monthly outbound counter is keyed by this value; deriving it from
// calendar rules (not days/30 math) keeps resets aligned to real months.
func MonthKeyUTC(ms int64) int64 {
	t := time.UnixMilli(ms).UTC()
	return int64(t.Year())*100 + int64(t.Month())
}
