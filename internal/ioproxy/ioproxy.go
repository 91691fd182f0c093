// Package ioproxy wires the rpcmsg transport, the ioreq slot/ack table, the
// PCI bus proxy, and the interrupt controller together into the single
// object a VMM-side backend actually holds: one rpcmsg.RPCQueue carrying
// MMIO and PCI config space request/reply traffic, one rpcmsg.EventQueue
// carrying fire-and-forget device notifications (SET_IRQ, REGISTER_PCI_DEV,
// START_VM, NOTIFY_STATUS), and a doorbell callback that tells the backend
// a new message is waiting. It implements ioreq.Sender and
// pciproxy.ConfigForwarder so the packages above it never need to know
// anything about the wire format.
package ioproxy

import (
	"context"
	"fmt"
	"sync"

	"github.com/tiiuae/vioproxy/internal/dispatch"
	"github.com/tiiuae/vioproxy/internal/ioreq"
	"github.com/tiiuae/vioproxy/internal/pciproxy"
	"github.com/tiiuae/vioproxy/internal/rpcmsg"
)

// Doorbell notifies the backend that a new request has been enqueued. Its
// concrete form (a signal on a shared-memory doorbell register, a socket
// write, whatever) belongs entirely to the transport binding.
type Doorbell func()

// Proxy is the driver-side (this side's) half of the rpc/ioreq/event
// protocol. One Proxy serves one backend.
type Proxy struct {
	rpc      *rpcmsg.RPCQueue
	events   *rpcmsg.EventQueue
	doorbell Doorbell
	ioreqs   *ioreq.Manager

	mu sync.Mutex

	// Legacy readiness signal: the backend announces itself once, with no
	// further state, via an OpStartVM event.
	startVM chan struct{}
	started bool

	// Newer readiness signal: the backend reports a status code that must
	// reach readyStatus before anything is safe to send.
	status        uint32
	statusChanged chan struct{}
}

const readyStatus = 1 // RPC_MR1_NOTIFY_STATUS_READY

// New builds a Proxy over an already-initialized request/response queue
// pair and event queue, notifying the backend of new work through
// doorbell.
func New(rpc *rpcmsg.RPCQueue, events *rpcmsg.EventQueue, doorbell Doorbell) *Proxy {
	return &Proxy{
		rpc:           rpc,
		events:        events,
		doorbell:      doorbell,
		ioreqs:        ioreq.NewManager(),
		startVM:       make(chan struct{}),
		statusChanged: make(chan struct{}, 1),
	}
}

// Ioreqs exposes the ack table so a trap-forward-resume loop can route
// vCPU MMIO faults through it via faultproxy.
func (p *Proxy) Ioreqs() *ioreq.Manager { return p.ioreqs }

func (p *Proxy) ring() {
	if p.doorbell != nil {
		p.doorbell()
	}
}

// SendMMIORequest implements ioreq.Sender: it packs a slot/direction/
// address-space/length MMIO request and hands it to the request queue.
func (p *Proxy) SendMMIORequest(slot uint32, dir ioreq.Direction, addrSpace uint32, addr uint64, size uint32, data uint64) error {
	mr0 := rpcmsg.WithOpcode(0, rpcmsg.OpMMIO)
	mr0 = rpcmsg.WithMMIOSlot(mr0, slot)
	mr0 = rpcmsg.WithMMIODirection(mr0, mmioDirValue(dir))
	mr0 = rpcmsg.WithMMIOAddrSpace(mr0, addrSpace)
	mr0 = rpcmsg.WithMMIOLength(mr0, size)

	if _, ok := p.rpc.Request(mr0, addr, data, 0); !ok {
		return fmt.Errorf("ioproxy: request queue full")
	}
	p.ring()
	return nil
}

func mmioDirValue(dir ioreq.Direction) uint32 {
	if dir == ioreq.DirWrite {
		return rpcmsg.MMIODirectionWrite
	}
	return rpcmsg.MMIODirectionRead
}

// ForwardConfig implements pciproxy.ConfigForwarder: a PCI config space
// access is just another MMIO ioreq, blocked on a native lease rather than
// a vCPU slot, so it shares the exact same wire path as a guest MMIO trap.
func (p *Proxy) ForwardConfig(addrSpace uint32, dir pciproxy.Direction, offset uint64, size uint32, value uint64) (uint64, error) {
	lease, err := p.ioreqs.AcquireNativeLease()
	if err != nil {
		return 0, fmt.Errorf("ioproxy: acquire native lease: %w", err)
	}

	ioreqDir := ioreq.DirRead
	if dir == pciproxy.DirWrite {
		ioreqDir = ioreq.DirWrite
	}

	if err := p.ioreqs.StartNative(p, lease, ioreqDir, addrSpace, offset, size, value); err != nil {
		return 0, fmt.Errorf("ioproxy: start native ioreq: %w", err)
	}

	return lease.Wait(), nil
}

// handleMMIOReply takes one reply off the response queue and finishes the
// matching ioreq slot (DrainReplies repeats it), the transport-side half of
// handle_mmio: the wire-level transaction id (the reclaimed buffer) is
// distinct from the ioreq slot carried in the reply's own MMIO sub-field,
// and only the latter identifies which ack callback to run.
func (p *Proxy) handleMMIOReply() (dispatch.Result, error) {
	msg, id, ok := p.rpc.ReceiveResponse()
	if !ok {
		return dispatch.None, nil
	}
	defer p.rpc.Reclaim(id)

	if rpcmsg.Opcode(msg.MR0) != rpcmsg.OpMMIO {
		return dispatch.None, nil
	}

	slot := rpcmsg.MMIOSlot(msg.MR0)
	if err := p.ioreqs.Finish(slot, msg.MR2); err != nil {
		return dispatch.Error, fmt.Errorf("ioproxy: finish slot %d: %w", slot, err)
	}
	return dispatch.Handled, nil
}

// DrainReplies processes every MMIO/config reply currently sitting in the
// response queue. It never blocks.
func (p *Proxy) DrainReplies() error {
	for {
		res, err := p.handleMMIOReply()
		if err != nil {
			return err
		}
		if res == dispatch.None {
			return nil
		}
	}
}

// PCIHandlers returns a dispatch.Handler for REGISTER_PCI_DEV and SET_IRQ
// events, bound against bus. It's kept separate from the fixed control
// handlers below because a Proxy may run before its PCI bus exists.
func PCIHandlers(bus *pciproxy.Bus) dispatch.Handler {
	return func(op uint32, msg rpcmsg.Msg) (dispatch.Result, error) {
		switch op {
		case rpcmsg.OpRegisterPCIDev:
			if _, err := bus.Register(uint32(msg.MR1)); err != nil {
				return dispatch.Error, err
			}
			return dispatch.Handled, nil

		case rpcmsg.OpSetIRQ:
			// MR1 names the backend slot; the device drives its INTA pin.
			backendSlot := uint32(msg.MR1)
			// RPC_IRQ_CLR is the only zero value among IRQClear/IRQSet/
			// IRQPulse, so treating mr2 as a bare "active" boolean matches
			// the set/clear cases and treats a pulse as a set, which stays
			// asserted until a later clear.
			active := msg.MR2 != rpcmsg.IRQClear
			if err := bus.SetIntx(backendSlot, 0, active); err != nil {
				return dispatch.Error, err
			}
			return dispatch.Handled, nil

		default:
			return dispatch.None, nil
		}
	}
}

// ControlHandler handles the two device-readiness announcements a backend
// can make: the legacy START_VM event (no payload, just a one-shot
// signal) and the newer NOTIFY_STATUS event (a status code that must
// reach readyStatus). Both are recognized; WaitDeviceReady below returns
// on whichever one the backend in question actually sends.
func (p *Proxy) ControlHandler() dispatch.Handler {
	return func(op uint32, msg rpcmsg.Msg) (dispatch.Result, error) {
		switch op {
		case rpcmsg.OpStartVM:
			p.mu.Lock()
			already := p.started
			p.started = true
			p.mu.Unlock()
			if !already {
				close(p.startVM)
			}
			return dispatch.Handled, nil

		case rpcmsg.OpNotifyStatus:
			p.mu.Lock()
			p.status = uint32(msg.MR1)
			p.mu.Unlock()
			select {
			case p.statusChanged <- struct{}{}:
			default:
			}
			return dispatch.Handled, nil

		default:
			return dispatch.None, nil
		}
	}
}

// Pump drains the event queue through chain and, independently, the
// response queue through DrainReplies. Call it once per I/O iteration of
// a VMM's run loop.
func (p *Proxy) Pump(chain *dispatch.Chain) error {
	if err := p.DrainReplies(); err != nil {
		return err
	}
	return dispatch.Pump(p.events, chain)
}

// WaitBackendStarted blocks until an OpStartVM event has been observed,
// the legacy readiness gate some backends use instead of NOTIFY_STATUS.
func (p *Proxy) WaitBackendStarted(ctx context.Context) error {
	select {
	case <-p.startVM:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitDeviceReady blocks until the backend has reported readyStatus via
// NOTIFY_STATUS or has sent the legacy START_VM event.
func (p *Proxy) WaitDeviceReady(ctx context.Context) error {
	for {
		p.mu.Lock()
		ready := p.status == readyStatus || p.started
		p.mu.Unlock()
		if ready {
			return nil
		}

		select {
		case <-p.statusChanged:
		case <-p.startVM:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// NotifySetIRQ sends a general (non-PCI) SET_IRQ-style event the other way,
// asking the backend to reflect an interrupt line change. Only used for the
// handful of platform IRQ lines the device side itself owns rather than
// this proxy; most of this proxy's interrupt emulation runs entirely
// locally, through internal/irq, and never touches the wire.
func (p *Proxy) NotifySetIRQ(irqLine uint32, value uint64) error {
	mr0 := rpcmsg.WithOpcode(0, rpcmsg.OpSetIRQ)
	if !p.events.Send(mr0, uint64(irqLine), value, 0) {
		return fmt.Errorf("ioproxy: event queue full")
	}
	p.ring()
	return nil
}
