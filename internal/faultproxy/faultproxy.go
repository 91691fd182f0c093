// Package faultproxy turns a vCPU MMIO fault into an ioreq request. It
// owns none of the trap machinery itself -- extracting a fault's direction,
// address, and data is the hv binding's job -- it just knows how to go
// from "a vCPU faulted here" to "a slot is now waiting on a reply".
package faultproxy

import (
	"github.com/tiiuae/vioproxy/internal/ioreq"
	"github.com/tiiuae/vioproxy/internal/rpcmsg"
)

// VCPUFault is everything the dispatcher needs from a single trapped
// access: where it's headed, whether it's a read or a write, the raw
// data/mask register pair for a write, and the means to resume the vCPU
// once a reply lands. It is a superset of ioreq.VCPUFault, which only the
// ack callback half needs.
type VCPUFault interface {
	VCPUID() int
	FaultAddress() uint64
	AccessSize() uint32
	IsRead() bool
	FaultData() uint64
	FaultDataMask() uint64
	SetFaultData(data uint64)
	AdvanceFault()
}

// Dispatcher starts an ioreq transaction for every vCPU MMIO fault it's
// handed, against the global address space. PCI BAR accesses are routed
// here the same way: the address space field is what tells the device side
// whether an access is global MMIO or belongs to a specific PCI device,
// and that's decided by whoever owns the address decode, not by this
// package.
type Dispatcher struct {
	ioreqs *ioreq.Manager
	sender ioreq.Sender
}

func New(ioreqs *ioreq.Manager, sender ioreq.Sender) *Dispatcher {
	return &Dispatcher{ioreqs: ioreqs, sender: sender}
}

// HandleFault starts the ioreq transaction for a trapped access against
// addrSpace (rpcmsg.AddrSpaceGlobal for ordinary MMIO, or a PCI device's
// backend slot for a BAR access). It never blocks: the vCPU fault is
// resumed later, from the ack callback registered by ioreq.Manager, once
// the device side's reply arrives.
func (d *Dispatcher) HandleFault(fault VCPUFault, addrSpace uint32) error {
	dir := ioreq.DirRead
	var value uint64

	if !fault.IsRead() {
		shift := (fault.FaultAddress() & 0x3) * 8
		mask := fault.FaultDataMask() >> shift
		value = (fault.FaultData() >> shift) & mask
		dir = ioreq.DirWrite
	}

	return d.ioreqs.StartVCPU(d.sender, fault.VCPUID(), fault, dir, addrSpace,
		fault.FaultAddress(), fault.AccessSize(), value)
}

// HandleGlobalMMIOFault is HandleFault against the machine's global
// address space, the common case for a device mapped directly into guest
// physical memory rather than behind a PCI BAR.
func (d *Dispatcher) HandleGlobalMMIOFault(fault VCPUFault) error {
	return d.HandleFault(fault, rpcmsg.AddrSpaceGlobal)
}
