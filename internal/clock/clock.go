package clock

import "time"

// NowFunc returns the current wall-clock time. Override in tests to make
// timeout and grace-window behaviour deterministic.
var NowFunc = time.Now

// Now is a thin wrapper around NowFunc.
func Now() time.Time { return NowFunc() }

// Since reports elapsed time against NowFunc.
func Since(t time.Time) time.Duration { return Now().Sub(t) }
