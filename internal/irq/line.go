// Package irq emulates the interrupt-line primitives a proxied device
// needs to raise guest interrupts: a plain edge/level line, a
// level-triggered line that resamples its condition on EOI, the PCI INTx
// wired-OR-with-resample variant shared by multiple devices' pins, and the
// GICv2M MSI frame that turns a guest-written SPI number into a pulse on
// one of a bank of plain Lines.
package irq

import "fmt"

// Controller is the guest interrupt controller facet every line in this
// package drives. hv.VirtualMachine satisfies it; tests use a fake.
type Controller interface {
	RegisterIRQ(irq uint32, ack func()) error
	SetIRQ(irq uint32, level bool) error
	InjectIRQ(irq uint32) error
}

// Line is a single interrupt line whose trigger semantics (edge or level)
// are entirely up to the guest OS's configuration of the line; this side
// just forwards level changes and EOIs pass through with no resampling.
type Line struct {
	ctrl Controller
	irq  uint32
}

func NewLine(ctrl Controller, irq uint32) (*Line, error) {
	l := &Line{ctrl: ctrl, irq: irq}
	if err := ctrl.RegisterIRQ(irq, func() {}); err != nil {
		return nil, fmt.Errorf("irq: register line %d: %w", irq, err)
	}
	return l, nil
}

func (l *Line) Change(active bool) error {
	return l.ctrl.SetIRQ(l.irq, active)
}

// Pulse raises then immediately lowers the line, for sources that signal a
// single edge rather than holding a level.
func (l *Line) Pulse() error {
	if err := l.Change(true); err != nil {
		return err
	}
	return l.Change(false)
}
