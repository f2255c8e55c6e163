package test_helpers

import (
	"time"
)

// WaitUntil polls cond until it holds or timeout elapses. Tests use it
// to wait for state that settles through background goroutines.
func WaitUntil(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}
