// Package pciproxy implements a PCI bus whose devices have no local config
// space at all: every config space access is forwarded, word for word, to
// the device side over a blocking native ioreq. The only fields computed
// locally are PCI_INTERRUPT_LINE and PCI_INTERRUPT_PIN, because those
// encode this side's own INTx routing decision, not anything the device
// side could answer. Devices register dynamically as the backend brings
// them up; a virtual bus slot is handed out at registration time and the
// four legacy INTx lines are wired-OR shared across whichever devices
// swizzle onto them.
package pciproxy

import (
	"fmt"
	"sync"

	"github.com/tiiuae/vioproxy/internal/irq"
)

// Bus geometry, mirroring a standard 32-slot PCI bus with a bridge holding
// slot 0.
const (
	NumSlots        = 32
	NumPins         = 4
	NumAvailDevices = NumSlots - 1
)

// Standard PCI config space offsets this side special-cases.
const (
	offsetInterruptLine = 0x3c
	offsetInterruptPin  = 0x3d
)

// Direction mirrors the wire format's MMIO access direction field, reused
// here for config space accesses.
type Direction int

const (
	DirRead Direction = iota
	DirWrite
)

// AddrSpacePCIDev returns the wire-format address-space id that tags a
// config space access as belonging to a specific backend-side device slot,
// as opposed to the global MMIO address space.
func AddrSpacePCIDev(backendSlot uint32) uint32 { return backendSlot }

// ConfigForwarder issues the blocking native ioreq that carries a config
// space access to the device side and returns its result.
type ConfigForwarder interface {
	ForwardConfig(addrSpace uint32, dir Direction, offset uint64, size uint32, value uint64) (uint64, error)
}

// Device is one registered PCI function: its guest-visible bus slot and
// the backend-side index the device side uses to identify it in ioreqs and
// SET_IRQ notifications.
type Device struct {
	GuestSlot   uint32
	BackendSlot uint32

	// IRQBase is added to the swizzled pin index to get the guest SPI
	// number actually wired to the interrupt controller.
	IRQBase uint32
}

// swizzlePin spreads a device's four possible INTx pins (INTA..INTD)
// across the bus's four shared physical lines based on its slot, the same
// INTx swizzle every multi-function PCI bridge performs.
func swizzlePin(guestSlot, intx uint32) uint32 {
	return (guestSlot + intx) % NumPins
}

// intxPin is the pin this device's INTA actually lands on, used to
// compute PCI_INTERRUPT_LINE/PCI_INTERRUPT_PIN readback.
func (d *Device) intxPin() uint32 {
	return swizzlePin(d.GuestSlot, 0)
}

// ConfigRead answers a config space read. PCI_INTERRUPT_LINE and
// PCI_INTERRUPT_PIN are computed locally from this device's INTx routing;
// everything else is forwarded to the backend unmodified.
func (d *Device) ConfigRead(fwd ConfigForwarder, offset uint64, size uint32) (uint64, error) {
	if size == 1 {
		switch offset {
		case offsetInterruptLine:
			return uint64(d.IRQBase + d.intxPin()), nil
		case offsetInterruptPin:
			return uint64(d.intxPin() + 1), nil
		}
	}

	return fwd.ForwardConfig(AddrSpacePCIDev(d.BackendSlot), DirRead, offset, size, 0)
}

// ConfigWrite forwards a config space write unmodified; nothing this side
// computes locally is writable.
func (d *Device) ConfigWrite(fwd ConfigForwarder, offset uint64, size uint32, value uint64) error {
	_, err := fwd.ForwardConfig(AddrSpacePCIDev(d.BackendSlot), DirWrite, offset, size, value)
	return err
}

// DeviceRegistrar installs a newly registered device on the guest side
// once Bus.Register has assigned its guest-visible PCI bus slot. It stands in
// for the ECAM root complex this proxy doesn't implement on its own --
// that's owned by whatever component actually decodes guest PCI config
// space cycles.
type DeviceRegistrar interface {
	AddDevice(dev *Device) error
}

// Bus is the registry of devices the backend has registered, plus the four
// shared INTx lines every device's interrupt swizzles onto.
type Bus struct {
	registrar DeviceRegistrar
	irqBase   uint32

	mu       sync.Mutex
	nextSlot uint32
	byBackend map[uint32]*Device

	intxLines [NumPins]*irq.INTx
}

// NewBus builds a Bus whose four legacy INTx lines are irqBase..irqBase+3
// on ctrl, and whose devices are installed onto the guest bus through
// registrar. Each line is an irq.INTx rather than a plain wired-OR line: a
// real PCI INTx pin is level-sampled on EOI, not forwarded to the guest
// controller on every edge, and devices sharing a swizzled pin need that
// resample behavior to avoid losing an interrupt one device deasserts
// just as another asserts it.
func NewBus(ctrl irq.Controller, registrar DeviceRegistrar, irqBase uint32) (*Bus, error) {
	b := &Bus{registrar: registrar, irqBase: irqBase, nextSlot: 1, byBackend: map[uint32]*Device{}}

	for i := 0; i < NumPins; i++ {
		line, err := irq.NewINTx(ctrl, irqBase+uint32(i))
		if err != nil {
			return nil, fmt.Errorf("pciproxy: init intx pin %d: %w", i, err)
		}
		b.intxLines[i] = line
	}

	return b, nil
}

// Register assigns a guest bus slot to a newly announced backend device
// and installs it on the guest bus.
func (b *Bus) Register(backendSlot uint32) (*Device, error) {
	b.mu.Lock()
	if b.nextSlot >= NumSlots {
		b.mu.Unlock()
		return nil, fmt.Errorf("pciproxy: no free PCI slots")
	}
	if _, exists := b.byBackend[backendSlot]; exists {
		b.mu.Unlock()
		return nil, fmt.Errorf("pciproxy: backend slot %d already registered", backendSlot)
	}
	dev := &Device{GuestSlot: b.nextSlot, BackendSlot: backendSlot, IRQBase: b.irqBase}
	b.nextSlot++
	b.byBackend[backendSlot] = dev
	b.mu.Unlock()

	if err := b.registrar.AddDevice(dev); err != nil {
		b.mu.Lock()
		delete(b.byBackend, backendSlot)
		b.mu.Unlock()
		return nil, fmt.Errorf("pciproxy: install device at slot %d: %w", dev.GuestSlot, err)
	}

	return dev, nil
}

func (b *Bus) DeviceByBackendSlot(backendSlot uint32) (*Device, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.byBackend[backendSlot]
	return d, ok
}

// SetIntx applies a SET_IRQ notification for one device's INTA..INTD pin
// (intx in [0,4)), changing the combined level of whichever of the four
// shared physical lines that pin swizzles onto.
func (b *Bus) SetIntx(backendSlot, intx uint32, active bool) error {
	dev, ok := b.DeviceByBackendSlot(backendSlot)
	if !ok {
		return fmt.Errorf("pciproxy: no device registered for backend slot %d", backendSlot)
	}
	if intx >= NumPins {
		return fmt.Errorf("pciproxy: intx pin %d out of range", intx)
	}

	line := b.intxLines[swizzlePin(dev.GuestSlot, intx)]
	return line.ChangeLevel(uint(dev.GuestSlot), active)
}
