package sitemap

import "time"

// fibonacciSeconds is the wait before each live sitemap attempt.
var fibonacciSeconds = []int{0, 1, 1, 2, 3, 5, 8, 13, 21, 34, 55, 89, 144, 233, 377}

// FibonacciSchedule returns the default retry schedule.
func FibonacciSchedule() []time.Duration {
	out := make([]time.Duration, len(fibonacciSeconds))
	for i, s := range fibonacciSeconds {
		out[i] = time.Duration(s) * time.Second
	}
	return out
}

// truncateSchedule drops the tail of the schedule once the cumulative wait
// would exceed maxWait. maxWait <= 0 keeps the whole schedule.
func truncateSchedule(schedule []time.Duration, maxWait time.Duration) []time.Duration {
	if maxWait <= 0 {
		return schedule
	}
	var total time.Duration
	for i, d := range schedule {
		total += d
		if total > maxWait {
			return schedule[:i]
		}
	}
	return schedule
}
