package api

import (
	"os"
	"strconv"
	"sync/atomic"
	"time"
)

var lastTimestamp int64

// nextTimestamp returns a strictly monotonic nanosecond timestamp, shared
// across goroutines, used to stamp move records.
func nextTimestamp() int64 {
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastTimestamp)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastTimestamp, last, now) {
			return now
		}
	}
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDur(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envString(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
