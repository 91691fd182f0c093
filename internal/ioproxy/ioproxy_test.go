package ioproxy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tiiuae/vioproxy/internal/dispatch"
	"github.com/tiiuae/vioproxy/internal/ioreq"
	"github.com/tiiuae/vioproxy/internal/pciproxy"
	"github.com/tiiuae/vioproxy/internal/rpcmsg"
)

func newWiredQueues() (*rpcmsg.RPCQueue, *rpcmsg.EventQueue) {
	return &rpcmsg.RPCQueue{Buffer: &rpcmsg.Buffer{}, Queue: &rpcmsg.Queue{}},
		&rpcmsg.EventQueue{Buffer: &rpcmsg.Buffer{}, Queue: &rpcmsg.Queue{}}
}

func TestSendMMIORequestThenReplyFinishesIoreqSlot(t *testing.T) {
	rpc, events := newWiredQueues()
	var rings int
	p := New(rpc, events, func() { rings++ })

	fault := &fakeVCPUFault{}
	if err := p.Ioreqs().StartVCPU(p, 3, fault, ioreq.DirRead, rpcmsg.AddrSpaceGlobal, 0x1000, 4, 0); err != nil {
		t.Fatalf("StartVCPU: %v", err)
	}
	if rings != 1 {
		t.Fatalf("rings=%d, want 1", rings)
	}

	// Simulate the backend's reply landing in the response queue, at the
	// same buffer id the request occupied.
	msg, id, ok := rpc.Receive()
	if !ok {
		t.Fatalf("expected a pending request in the queue")
	}
	if rpcmsg.MMIOSlot(msg.MR0) != 3 {
		t.Fatalf("slot=%d, want 3", rpcmsg.MMIOSlot(msg.MR0))
	}
	if !rpc.Reply(id, msg.MR0, msg.MR1, 0xdeadbeef, 0) {
		t.Fatalf("Reply failed")
	}

	if err := p.DrainReplies(); err != nil {
		t.Fatalf("DrainReplies: %v", err)
	}
	if !fault.advanced {
		t.Fatalf("expected vCPU fault to be advanced after reply")
	}
	if fault.faultData != 0xdeadbeef {
		t.Fatalf("faultData=%#x, want 0xdeadbeef", fault.faultData)
	}
}

type fakeVCPUFault struct {
	addr      uint64
	faultData uint64
	advanced  bool
}

func (f *fakeVCPUFault) FaultAddress() uint64     { return f.addr }
func (f *fakeVCPUFault) SetFaultData(data uint64) { f.faultData = data }
func (f *fakeVCPUFault) AdvanceFault()            { f.advanced = true }

func TestForwardConfigRoundTrips(t *testing.T) {
	rpc, events := newWiredQueues()
	p := New(rpc, events, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	var got uint64
	var ferr error
	go func() {
		defer wg.Done()
		got, ferr = p.ForwardConfig(5, pciproxy.DirRead, 0x10, 4, 0)
	}()

	// Wait until the native ioreq has actually been enqueued before
	// replying to it.
	var msg rpcmsg.Msg
	var id uint16
	var ok bool
	for i := 0; i < 1000 && !ok; i++ {
		msg, id, ok = rpc.Receive()
		if !ok {
			time.Sleep(time.Millisecond)
		}
	}
	if !ok {
		t.Fatalf("expected a native config request in the queue")
	}
	if rpcmsg.MMIOAddrSpace(msg.MR0) != 5 {
		t.Fatalf("addrSpace=%d, want 5", rpcmsg.MMIOAddrSpace(msg.MR0))
	}

	if !rpc.Reply(id, msg.MR0, msg.MR1, 0xcafe, 0) {
		t.Fatalf("Reply failed")
	}
	if err := p.DrainReplies(); err != nil {
		t.Fatalf("DrainReplies: %v", err)
	}

	wg.Wait()
	if ferr != nil {
		t.Fatalf("ForwardConfig: %v", ferr)
	}
	if got != 0xcafe {
		t.Fatalf("ForwardConfig=%#x, want 0xcafe", got)
	}
}

type fakeController struct {
	levels map[uint32]bool
}

func newFakeController() *fakeController {
	return &fakeController{levels: map[uint32]bool{}}
}

func (c *fakeController) RegisterIRQ(irq uint32, ack func()) error { return nil }
func (c *fakeController) SetIRQ(irqLine uint32, level bool) error {
	c.levels[irqLine] = level
	return nil
}
func (c *fakeController) InjectIRQ(irqLine uint32) error { return nil }

type fakeRegistrar struct{}

func (r *fakeRegistrar) AddDevice(dev *pciproxy.Device) error { return nil }

func TestPCIHandlersRegisterAndSetIRQ(t *testing.T) {
	ctrl := newFakeController()
	bus, err := pciproxy.NewBus(ctrl, &fakeRegistrar{}, 100)
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}
	handler := PCIHandlers(bus)

	res, err := handler(rpcmsg.OpRegisterPCIDev, rpcmsg.Msg{MR1: 0})
	if err != nil || res != dispatch.Handled {
		t.Fatalf("register: res=%v err=%v", res, err)
	}

	dev, ok := bus.DeviceByBackendSlot(0)
	if !ok {
		t.Fatalf("expected device registered for backend slot 0")
	}

	mr1 := uint64(dev.BackendSlot)
	res, err = handler(rpcmsg.OpSetIRQ, rpcmsg.Msg{MR1: mr1, MR2: rpcmsg.IRQSet})
	if err != nil || res != dispatch.Handled {
		t.Fatalf("set irq: res=%v err=%v", res, err)
	}
}

func TestPCIHandlersIgnoreOtherOpcodes(t *testing.T) {
	ctrl := newFakeController()
	bus, err := pciproxy.NewBus(ctrl, &fakeRegistrar{}, 100)
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}
	handler := PCIHandlers(bus)

	res, err := handler(rpcmsg.OpPutcLog, rpcmsg.Msg{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != dispatch.None {
		t.Fatalf("res=%v, want None", res)
	}
}

func TestControlHandlerStartVM(t *testing.T) {
	rpc, events := newWiredQueues()
	p := New(rpc, events, nil)
	handler := p.ControlHandler()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.WaitBackendStarted(ctx) }()

	res, err := handler(rpcmsg.OpStartVM, rpcmsg.Msg{})
	if err != nil || res != dispatch.Handled {
		t.Fatalf("start vm: res=%v err=%v", res, err)
	}

	if err := <-done; err != nil {
		t.Fatalf("WaitBackendStarted: %v", err)
	}

	// A second START_VM must not attempt to close the channel twice.
	if res, err := handler(rpcmsg.OpStartVM, rpcmsg.Msg{}); err != nil || res != dispatch.Handled {
		t.Fatalf("second start vm: res=%v err=%v", res, err)
	}
}

func TestControlHandlerNotifyStatusReady(t *testing.T) {
	rpc, events := newWiredQueues()
	p := New(rpc, events, nil)
	handler := p.ControlHandler()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.WaitDeviceReady(ctx) }()

	if res, err := handler(rpcmsg.OpNotifyStatus, rpcmsg.Msg{MR1: 0}); err != nil || res != dispatch.Handled {
		t.Fatalf("notify status (not ready): res=%v err=%v", res, err)
	}
	if res, err := handler(rpcmsg.OpNotifyStatus, rpcmsg.Msg{MR1: readyStatus}); err != nil || res != dispatch.Handled {
		t.Fatalf("notify status (ready): res=%v err=%v", res, err)
	}

	if err := <-done; err != nil {
		t.Fatalf("WaitDeviceReady: %v", err)
	}
}

func TestNotifySetIRQDeliversEvent(t *testing.T) {
	rpc, events := newWiredQueues()
	var rings int
	p := New(rpc, events, func() { rings++ })

	if err := p.NotifySetIRQ(42, rpcmsg.IRQPulse); err != nil {
		t.Fatalf("NotifySetIRQ: %v", err)
	}
	if rings != 1 {
		t.Fatalf("rings=%d, want 1", rings)
	}

	msg, ok := events.Receive()
	if !ok {
		t.Fatalf("expected an event in the queue")
	}
	if rpcmsg.Opcode(msg.MR0) != rpcmsg.OpSetIRQ {
		t.Fatalf("opcode=%d, want OpSetIRQ", rpcmsg.Opcode(msg.MR0))
	}
	if msg.MR1 != 42 || msg.MR2 != rpcmsg.IRQPulse {
		t.Fatalf("msg=%+v, want irq=42 value=pulse", msg)
	}
}
