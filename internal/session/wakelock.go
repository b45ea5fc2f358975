package session

import (
	"github.com/1ureka/pipeline/internal/util"
	"github.com/1ureka/pipeline/internal/wakelock"
)

// WakeLock returns an observer that holds a lock from l exactly while a
// transfer is running over a live link.
func WakeLock(l wakelock.Locker) Observer {
	var (
		held   bool
		handle wakelock.Handle
		failed bool
	)

	return func(ev Event) {
		want := ev.Next.Transferring()
		switch {
		case want && !held && !failed:
			h, err := l.Acquire()
			if err != nil {
				util.LogWarning("wake lock unavailable: %v", err)
				failed = true
				return
			}
			handle, held = h, true
			util.LogDebug("wake lock acquired")

		case !want && held:
			if err := l.Release(handle); err != nil {
				util.LogWarning("wake lock release failed: %v", err)
			}
			held = false
			util.LogDebug("wake lock released")

		case !want:
			failed = false
		}
	}
}
