package models

// Statistics summarizes completed requests of one credential. All durations
// are in seconds.
type Statistics struct {
	Completed        int64   `json:"completed"`
	AverageWaitTime  float64 `json:"average_wait_time"`
	AverageUsageTime float64 `json:"average_usage_time"`
	StddevWaitTime   float64 `json:"stddev_wait_time"`
	StddevUsageTime  float64 `json:"stddev_usage_time"`
}
