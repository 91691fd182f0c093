// Package ioreq implements the slot/ack half of the MMIO trap-forward-resume
// protocol: a vCPU (or a native worker goroutine acting on its behalf, for
// accesses that don't originate from a vCPU trap) blocks a guest access
// behind a slot, a request goes out over the wire, and whichever ack
// callback is registered in that slot resumes the access when the matching
// reply comes back. A slot carries at most one outstanding transaction at a
// time, matching the wire protocol's single-in-flight-request-per-slot rule.
package ioreq

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// MaxVCPUSlots bounds how many vCPUs can have a slot of their own, one per
// vCPU index. MaxNativeSlots bounds how many native (non-vCPU) callers can
// hold a lease concurrently; native slots are numbered starting at
// MaxVCPUSlots.
const (
	MaxVCPUSlots   = 32
	MaxNativeSlots = 32
	NativeBase     = MaxVCPUSlots
	maxSlots       = MaxVCPUSlots + MaxNativeSlots
)

// Direction mirrors the wire format's MMIO access direction field.
type Direction int

const (
	DirRead Direction = iota
	DirWrite
)

// Sender issues the wire request a Start call blocks behind. Implementations
// live in the transport layer (the package gluing this to an rpcmsg
// RPCQueue and a doorbell notification); ioreq itself knows nothing about
// how the request actually reaches the device side.
type Sender interface {
	SendMMIORequest(slot uint32, dir Direction, addrSpace uint32, addr uint64, size uint32, data uint64) error
}

// VCPUFault is the narrow view of a vCPU's pending fault that an ack
// callback needs: where the fault occurred (for byte-lane alignment on a
// sub-word read), how to hand the read result back, and how to resume the
// vCPU once the access has been serviced.
type VCPUFault interface {
	FaultAddress() uint64
	SetFaultData(data uint64)
	AdvanceFault()
}

type ackFunc func(data uint64) error

type ackEntry struct {
	callback ackFunc
}

// Manager owns the ack table: MaxVCPUSlots fixed vCPU slots plus a pool of
// native slots leased out to non-vCPU callers (PCI config space accesses
// driven by a blocking worker, for instance). It has no knowledge of the
// wire format beyond the Sender interface it's handed.
type Manager struct {
	mu         sync.Mutex
	acks       [maxSlots]ackEntry
	nextNative atomic.Uint32
}

func NewManager() *Manager {
	m := &Manager{}
	m.nextNative.Store(NativeBase)
	return m
}

// NativeLease is a handle a non-vCPU caller acquires once (analogous to the
// thread-local slot the C implementation assigns per worker thread) and
// reuses for every blocking request it issues. Go has no equivalent to
// per-thread storage tied to a goroutine, so callers own the handle
// explicitly instead of it being assigned implicitly on first use.
type NativeLease struct {
	slot   uint32
	handoff chan uint64
}

// Slot reports the ack-table slot this lease occupies, for callers that
// need to fold it into request bookkeeping.
func (l *NativeLease) Slot() uint32 { return l.slot }

// AcquireNativeLease hands out the next free native slot. There is no
// release/free path because native leases are expected to live for the
// lifetime of the worker that acquired them, the same way the original
// thread-local slot was never reclaimed either.
func (m *Manager) AcquireNativeLease() (*NativeLease, error) {
	slot := m.nextNative.Add(1) - 1
	if slot >= maxSlots {
		return nil, fmt.Errorf("ioreq: too many native callers (max %d)", MaxNativeSlots)
	}
	return &NativeLease{slot: slot, handoff: make(chan uint64, 1)}, nil
}

// StartVCPU registers the read/write ack callback for a vCPU-driven access
// and sends the request. The vCPU's fault is not resumed here: Finish does
// that once the reply arrives, which is what lets the caller return to its
// trap loop without blocking.
func (m *Manager) StartVCPU(sender Sender, vcpuID int, fault VCPUFault, dir Direction, addrSpace uint32, addr uint64, size uint32, data uint64) error {
	if vcpuID < 0 || vcpuID >= MaxVCPUSlots {
		return fmt.Errorf("ioreq: vcpu id %d out of range", vcpuID)
	}
	slot := uint32(vcpuID)

	var cb ackFunc
	if dir == DirRead {
		cb = func(data uint64) error {
			shift := (fault.FaultAddress() & 0x3) * 8
			fault.SetFaultData(data << shift)
			fault.AdvanceFault()
			return nil
		}
	} else {
		cb = func(data uint64) error {
			fault.AdvanceFault()
			return nil
		}
	}

	m.register(slot, cb)
	if err := sender.SendMMIORequest(slot, dir, addrSpace, addr, size, data); err != nil {
		m.clear(slot)
		return err
	}
	return nil
}

// StartNative registers the ack callback for a blocking, non-vCPU access
// and sends the request. Wait blocks the caller until Finish delivers the
// matching reply.
func (m *Manager) StartNative(sender Sender, lease *NativeLease, dir Direction, addrSpace uint32, addr uint64, size uint32, data uint64) error {
	var cb ackFunc
	if dir == DirRead {
		cb = func(data uint64) error {
			lease.handoff <- data
			return nil
		}
	} else {
		cb = func(data uint64) error {
			lease.handoff <- 0
			return nil
		}
	}

	m.register(lease.slot, cb)
	if err := sender.SendMMIORequest(lease.slot, dir, addrSpace, addr, size, data); err != nil {
		m.clear(lease.slot)
		return err
	}
	return nil
}

// Wait blocks until the reply for the lease's most recent StartNative call
// has been processed by Finish, returning the value it carried (zero for a
// write).
func (l *NativeLease) Wait() uint64 {
	return <-l.handoff
}

// register asserts the slot is free and installs cb. A slot with a
// callback already set means the protocol's single-outstanding-
// transaction-per-slot rule has been violated by the caller, not by
// anything a peer sent over the wire, so it panics rather than returning
// an error a caller might be tempted to recover from.
func (m *Manager) register(slot uint32, cb ackFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acks[slot].callback != nil {
		panic(fmt.Sprintf("ioreq: slot %d already has an outstanding transaction", slot))
	}
	m.acks[slot].callback = cb
}

func (m *Manager) clear(slot uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks[slot].callback = nil
}

// Finish looks up the ack callback registered for slot, invokes it with the
// reply payload, and clears the slot so it can be reused by a later
// request. A slot with no registered callback means a reply arrived for a
// transaction nothing started: a protocol invariant violation, not a
// recoverable runtime condition, so this panics rather than returning an
// error.
func (m *Manager) Finish(slot uint32, data uint64) error {
	m.mu.Lock()
	cb := m.acks[slot].callback
	m.mu.Unlock()

	if cb == nil {
		panic(fmt.Sprintf("ioreq: reply for slot %d with no outstanding request", slot))
	}

	err := cb(data)

	m.mu.Lock()
	m.acks[slot].callback = nil
	m.mu.Unlock()

	return err
}
