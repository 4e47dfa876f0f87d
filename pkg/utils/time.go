package utils

import "time"

// Now returns the current time in UTC.
func Now() time.Time {
	return time.Now().UTC()
}

// UnixToTime converts seconds or milliseconds since the epoch to UTC.
// Non-positive input yields the zero time.
func UnixToTime(ts int64) time.Time {
	if ts <= 0 {
		return time.Time{}
	}
	// anything past year 2286 in seconds is really milliseconds
	if ts > 9_999_999_999 {
		return time.UnixMilli(ts).UTC()
	}
	return time.Unix(ts, 0).UTC()
}
