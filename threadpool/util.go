package threadpool

import (
	"runtime"
	"time"
)

// defaultParallelism sizes the default pool's ceiling to the number of
// schedulable CPUs, matching the original source's hardware_concurrency
// based default.
func defaultParallelism() int {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		return 1
	}
	return n
}

// microseconds converts the source's microsecond-denominated monitor
// period into a time.Duration.
func microseconds(us int64) time.Duration {
	return time.Duration(us) * time.Microsecond
}
