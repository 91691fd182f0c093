// Package hv declares the narrow collaborator interfaces this proxy needs
// from its host environment: a microkernel-hosted guest whose trap/reply
// primitives, image loader, and dataport mapper live outside this module.
// Real bindings (seL4/CAmkES, a KVM ioctl shim, or a test fake) implement
// these interfaces; nothing in this package talks to hardware directly.
package hv

import (
	"errors"
	"fmt"
	"io"
)

var (
	ErrGuestHalted  = errors.New("guest virtual machine halted")
	ErrNoSuchVCPU   = errors.New("no such vcpu")
	ErrUnhandledMMIO = errors.New("unhandled mmio access")
)

// CpuArchitecture identifies the guest's instruction set. The proxy only
// targets arm64 seL4 guests, but the type stays string-keyed the way the
// wider virtualization stack this was adapted from keeps it.
type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureARM64   CpuArchitecture = "arm64"
)

// Device is anything that must be told about the VM it was registered
// against before it can serve traps.
type Device interface {
	Init(vm VirtualMachine) error
}

// ExitContext carries per-trap information from the fault source (a vCPU
// exit, in the seL4 case) down to the device that ends up servicing it.
// VCPUID is the acting vCPU's index, used to key per-vCPU ioreq slots; it
// is -1 for accesses that did not originate from a vCPU trap (PCI config
// space accesses driven by a native worker thread, for instance).
type ExitContext interface {
	VCPUID() int
}

// MMIORegion describes one physical address window a device claims.
type MMIORegion struct {
	Address uint64
	Size    uint64
}

// MemoryMappedIODevice is a device that answers MMIO traps. Implementations
// are registered with a VirtualMachine and consulted in registration order
// by the fault dispatcher; the first device whose MMIORegions() covers the
// faulting address wins.
type MemoryMappedIODevice interface {
	Device

	MMIORegions() []MMIORegion

	ReadMMIO(ctx ExitContext, addr uint64, data []byte) error
	WriteMMIO(ctx ExitContext, addr uint64, data []byte) error
}

// SimpleMMIODevice implements MemoryMappedIODevice with closures, for tests
// and for small devices that don't warrant a named type.
type SimpleMMIODevice struct {
	Regions []MMIORegion

	ReadFunc  func(ctx ExitContext, addr uint64, data []byte) error
	WriteFunc func(ctx ExitContext, addr uint64, data []byte) error
}

func (d SimpleMMIODevice) MMIORegions() []MMIORegion { return d.Regions }

func (d SimpleMMIODevice) ReadMMIO(ctx ExitContext, addr uint64, data []byte) error {
	if d.ReadFunc != nil {
		return d.ReadFunc(ctx, addr, data)
	}
	return fmt.Errorf("%w: read from 0x%x", ErrUnhandledMMIO, addr)
}

func (d SimpleMMIODevice) WriteMMIO(ctx ExitContext, addr uint64, data []byte) error {
	if d.WriteFunc != nil {
		return d.WriteFunc(ctx, addr, data)
	}
	return fmt.Errorf("%w: write to 0x%x", ErrUnhandledMMIO, addr)
}

func (d SimpleMMIODevice) Init(vm VirtualMachine) error { return nil }

var _ MemoryMappedIODevice = SimpleMMIODevice{}

// GuestMemory is the dataport-backed guest RAM window. It is narrower than
// a general io.ReaderAt/WriterAt pair would need to be, but composing those
// stdlib interfaces keeps callers able to use io.Copy et al. against it.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt

	Size() uint64
}

// VirtualMachine is the facet of the guest that the proxy is allowed to see:
// it can inject interrupts, read and write the dataport-mapped guest RAM
// region, and register MMIO devices so the (out-of-scope) trap/reply loop
// knows who to call on a fault. Everything about how traps actually reach
// Go code -- seL4 IPC, a KVM ioctl, or a fake for tests -- is hidden behind
// this interface and the fault dispatcher built on top of it.
type VirtualMachine interface {
	Memory() GuestMemory

	VCPUCount() int

	// SetIRQ raises or lowers a guest interrupt line identified by its
	// GIC SPI/PPI number. Calling it with the same level twice is a
	// no-op at the guest interrupt controller, not an error here.
	SetIRQ(irqLine uint32, level bool) error

	// RegisterIRQ tells the guest interrupt controller which line an
	// emulated interrupt source owns and installs ack, called back when
	// the guest EOIs that line. Level-triggered emulations use ack to
	// resample their condition and re-assert if it's still pending.
	RegisterIRQ(irqLine uint32, ack func()) error

	// InjectIRQ delivers a single edge on irqLine regardless of its
	// current level, the way a level-triggered source re-asserts itself
	// after an EOI finds the condition still true.
	InjectIRQ(irqLine uint32) error

	AddDevice(dev MemoryMappedIODevice) error

	// RemoveDevice withdraws a device registered with AddDevice, for a
	// backend that goes away while the guest keeps running.
	RemoveDevice(dev MemoryMappedIODevice) error
}
