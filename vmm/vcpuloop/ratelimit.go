package vcpuloop

import (
	"time"

	"github.com/joeycumines/go-catrate"
)

// BusLockThrottle paces how often a single VCPU may trigger a
// KVM_EXIT_BUS_LOCK exit, throttling guests that deliberately hammer
// locked instructions across a page boundary to degrade host
// performance. Grounded on catrate's sliding-window limiter: one
// category per VCPU ID, so one noisy CPU's throttling doesn't affect
// its siblings.
type BusLockThrottle struct {
	limiter *catrate.Limiter
}

// NewBusLockThrottle builds a throttle allowing at most maxPerWindow
// bus-lock exits per window, per VCPU.
func NewBusLockThrottle(window time.Duration, maxPerWindow int) *BusLockThrottle {
	return &BusLockThrottle{
		limiter: catrate.NewLimiter(map[time.Duration]int{window: maxPerWindow}),
	}
}

// SleepDuration returns how long vcpuID's thread should sleep before
// re-entering the hypervisor, zero if it is not currently throttled.
func (b *BusLockThrottle) SleepDuration(vcpuID int) time.Duration {
	next, ok := b.limiter.Allow(vcpuID)
	if ok {
		return 0
	}
	d := time.Until(next)
	if d < 0 {
		return 0
	}
	return d
}
