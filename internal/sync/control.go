package sync

import (
	"sync/atomic"
	"time"
)

// pausePollInterval is how often a paused worker re-checks the flag.
const pausePollInterval = 500 * time.Millisecond

// Control carries the shared pause and cancel flags for one sync run. It
// is passed explicitly into the orchestrator and every worker; there is no
// package-level state. The zero value is ready to use.
//
// Cancel is cooperative: workers stop picking up new files, while a file
// already transferring is allowed to finish and be counted. Pause halts
// chunk reads without releasing the worker slot or the connection.
type Control struct {
	paused   atomic.Bool
	canceled atomic.Bool
}

func (c *Control) Pause()  { c.paused.Store(true) }
func (c *Control) Resume() { c.paused.Store(false) }
func (c *Control) Cancel() { c.canceled.Store(true) }

func (c *Control) Paused() bool   { return c != nil && c.paused.Load() }
func (c *Control) Canceled() bool { return c != nil && c.canceled.Load() }

// waitWhilePaused blocks in fixed-interval polls while the pause flag is
// set. It returns false when the run is canceled mid-pause, since a paused
// transfer can otherwise never finish.
func (c *Control) waitWhilePaused() bool {
	for c.Paused() {
		if c.Canceled() {
			return false
		}
		time.Sleep(pausePollInterval)
	}
	return true
}
