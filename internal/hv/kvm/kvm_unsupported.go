//go:build !(linux && arm64)

package kvm

import (
	"context"
	"fmt"

	"github.com/tiiuae/vioproxy/internal/hv"
)

// VirtualMachine is a stub on platforms without the arm64 Linux KVM ioctl
// interface; Open always fails. Its methods exist only so the type satisfies
// hv.VirtualMachine for cross-platform builds of its callers.
type VirtualMachine struct{}

func Open(memoryBase, memorySize uint64) (*VirtualMachine, error) {
	return nil, fmt.Errorf("kvm: not supported on this platform")
}

func (v *VirtualMachine) Memory() hv.GuestMemory  { return nil }
func (v *VirtualMachine) VCPUCount() int          { return 0 }

func (v *VirtualMachine) SetIRQ(irqLine uint32, level bool) error {
	return fmt.Errorf("kvm: unsupported")
}

func (v *VirtualMachine) RegisterIRQ(irqLine uint32, ack func()) error {
	return fmt.Errorf("kvm: unsupported")
}

func (v *VirtualMachine) InjectIRQ(irqLine uint32) error {
	return fmt.Errorf("kvm: unsupported")
}

func (v *VirtualMachine) AddDevice(dev hv.MemoryMappedIODevice) error {
	return fmt.Errorf("kvm: unsupported")
}

func (v *VirtualMachine) RemoveDevice(dev hv.MemoryMappedIODevice) error {
	return fmt.Errorf("kvm: unsupported")
}

func (v *VirtualMachine) Run(ctx context.Context) error {
	return fmt.Errorf("kvm: unsupported")
}

func (v *VirtualMachine) Close() error { return nil }

var _ hv.VirtualMachine = (*VirtualMachine)(nil)
