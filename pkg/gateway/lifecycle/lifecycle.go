package lifecycle

import "sync/atomic"

// Lifecycle holds process-wide readiness shared across handlers. Once
// draining, /readyz fails so load balancers stop routing new bridges here.
type Lifecycle struct {
	draining atomic.Bool
	onDrain  []func()
}

// OnDrain registers fn to run the first time the process starts draining.
// It must be called before SetDraining.
func (l *Lifecycle) OnDrain(fn func()) {
	if l == nil || fn == nil {
		return
	}
	l.onDrain = append(l.onDrain, fn)
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	was := l.draining.Swap(draining)
	if draining && !was {
		for _, fn := range l.onDrain {
			fn()
		}
	}
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}
