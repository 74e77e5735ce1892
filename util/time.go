package util

import "time"

// SinceMicros reports the microseconds elapsed since t, the unit the
// phase counters are kept in.
func SinceMicros(t time.Time) float64 {
	return float64(time.Since(t).Microseconds())
}
