// Package timeutil provides the wall-clock source used for inode
// timestamps, honoring SOURCE_DATE_EPOCH for reproducible test fixtures
// the way go-diskfs's util/timestamp package does for its own on-disk
// timestamps.
package timeutil

import (
	"os"
	"strconv"
	"time"
)

// Now returns the current time in UTC, or the time named by
// SOURCE_DATE_EPOCH (a Unix timestamp) when that environment variable
// is set and parses cleanly.
func Now() time.Time {
	if epoch := os.Getenv("SOURCE_DATE_EPOCH"); epoch != "" {
		if secs, err := strconv.ParseInt(epoch, 10, 64); err == nil {
			return time.Unix(secs, 0).UTC()
		}
	}
	return time.Now().UTC()
}

// NowSeconds is Now truncated to whole seconds, the resolution of every
// inode timestamp field.
func NowSeconds() uint64 {
	return uint64(Now().Unix())
}
