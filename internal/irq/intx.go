package irq

import (
	"fmt"
	"sync"
)

// maxINTxDevices bounds how many devices can wire into one INTx pin; the
// pin state is tracked as a bitmap indexed by device slot.
const maxINTxDevices = 32

// INTx is the PCI legacy-interrupt variant of a wired-OR line: multiple
// devices' pins combine onto one guest interrupt. It never calls SetIRQ;
// it injects through a resample when the combined pins go from none set
// to some set, and again on each EOI (the ack callback) while any pin is
// still set, matching how a real INTx pin is level-sampled rather than
// edge-forwarded.
type INTx struct {
	ctrl Controller
	irq  uint32

	mu   sync.Mutex
	pins uint32
}

func NewINTx(ctrl Controller, irq uint32) (*INTx, error) {
	x := &INTx{ctrl: ctrl, irq: irq}

	if err := ctrl.RegisterIRQ(irq, func() {
		_ = x.resample()
	}); err != nil {
		return nil, fmt.Errorf("irq: register intx line %d: %w", irq, err)
	}

	return x, nil
}

func (x *INTx) resample() error {
	x.mu.Lock()
	pins := x.pins
	x.mu.Unlock()

	if pins == 0 {
		return nil
	}
	return x.ctrl.InjectIRQ(x.irq)
}

// ChangeLevel sets or clears dev's pin and, on a 0-to-nonzero or
// nonzero-to-0 transition of the combined pins, resamples the line.
func (x *INTx) ChangeLevel(dev uint, active bool) error {
	if dev >= maxINTxDevices {
		return fmt.Errorf("irq: device index %d >= %d", dev, maxINTxDevices)
	}

	x.mu.Lock()
	saved := x.pins
	if active {
		x.pins |= 1 << dev
	} else {
		x.pins &^= 1 << dev
	}
	now := x.pins
	x.mu.Unlock()

	if (saved != 0) == (now != 0) {
		return nil
	}

	return x.resample()
}
