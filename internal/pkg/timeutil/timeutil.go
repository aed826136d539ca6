package timeutil

import "time"

func NowUnix() int64 {
	return time.Now().Unix()
}

// DaysAgoUnix returns the unix time of now minus the given number of days.
func DaysAgoUnix(days int) int64 {
	return time.Now().AddDate(0, 0, -days).Unix()
}
