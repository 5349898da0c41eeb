package term

import (
	"sync/atomic"
	"time"
)

// DefaultCooldown is how long injection is held after a human keystroke.
const DefaultCooldown = 3000 * time.Millisecond

// HumanActivity timestamps real-terminal keystrokes. The stdin relay
// stamps it on every byte; the scheduler reads it and is never blocked.
type HumanActivity struct {
	cooldown time.Duration
	lastNano atomic.Int64
}

func NewHumanActivity(cooldown time.Duration) *HumanActivity {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &HumanActivity{cooldown: cooldown}
}

func (a *HumanActivity) Stamp() {
	if a == nil {
		return
	}
	a.lastNano.Store(time.Now().UnixNano())
}

func (a *HumanActivity) LastKeystroke() time.Time {
	if a == nil {
		return time.Time{}
	}
	nano := a.lastNano.Load()
	if nano == 0 {
		return time.Time{}
	}
	return time.Unix(0, nano)
}

func (a *HumanActivity) InCooldown() bool {
	return a.Remaining() > 0
}

// Remaining reports how long until the cooldown expires, zero if idle.
func (a *HumanActivity) Remaining() time.Duration {
	if a == nil {
		return 0
	}
	nano := a.lastNano.Load()
	if nano == 0 {
		return 0
	}
	remaining := a.cooldown - time.Since(time.Unix(0, nano))
	if remaining < 0 {
		return 0
	}
	return remaining
}
