package irq

import "fmt"

// Level is a level-triggered interrupt line: Resample re-checks a
// condition function and injects a fresh edge if it's still true. It is
// registered as its own line's ack callback, so a guest EOI that finds the
// condition still pending gets the interrupt re-asserted rather than lost.
type Level struct {
	ctrl     Controller
	irq      uint32
	resample func() bool
}

func NewLevel(ctrl Controller, irq uint32, resample func() bool) (*Level, error) {
	l := &Level{ctrl: ctrl, irq: irq, resample: resample}

	if err := ctrl.RegisterIRQ(irq, func() {
		_ = l.Resample()
	}); err != nil {
		return nil, fmt.Errorf("irq: register level line %d: %w", irq, err)
	}

	return l, l.Resample()
}

func (l *Level) Resample() error {
	if !l.resample() {
		return nil
	}
	return l.ctrl.InjectIRQ(l.irq)
}
