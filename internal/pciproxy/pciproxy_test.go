package pciproxy

import "testing"

type fakeController struct {
	acks     map[uint32]func()
	levels   map[uint32]bool
	injected map[uint32]int
}

func newFakeController() *fakeController {
	return &fakeController{acks: map[uint32]func(){}, levels: map[uint32]bool{}, injected: map[uint32]int{}}
}

func (c *fakeController) RegisterIRQ(irq uint32, ack func()) error {
	c.acks[irq] = ack
	return nil
}
func (c *fakeController) SetIRQ(irq uint32, level bool) error {
	c.levels[irq] = level
	return nil
}
func (c *fakeController) InjectIRQ(irq uint32) error {
	c.injected[irq]++
	return nil
}

type fakeRegistrar struct {
	added []*Device
}

func (r *fakeRegistrar) AddDevice(dev *Device) error {
	r.added = append(r.added, dev)
	return nil
}

type fakeForwarder struct {
	lastAddrSpace uint32
	lastOffset    uint64
	lastSize      uint32
	lastValue     uint64
	lastDir       Direction
	reply         uint64
}

func (f *fakeForwarder) ForwardConfig(addrSpace uint32, dir Direction, offset uint64, size uint32, value uint64) (uint64, error) {
	f.lastAddrSpace, f.lastDir, f.lastOffset, f.lastSize, f.lastValue = addrSpace, dir, offset, size, value
	return f.reply, nil
}

func TestRegisterAssignsSequentialSlots(t *testing.T) {
	reg := &fakeRegistrar{}
	bus, err := NewBus(newFakeController(), reg, 100)
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}

	d1, err := bus.Register(0)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if d1.GuestSlot != 1 {
		t.Fatalf("first device slot=%d, want 1 (slot 0 reserved for bridge)", d1.GuestSlot)
	}

	d2, err := bus.Register(1)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if d2.GuestSlot != 2 {
		t.Fatalf("second device slot=%d, want 2", d2.GuestSlot)
	}

	if len(reg.added) != 2 {
		t.Fatalf("expected 2 devices installed, got %d", len(reg.added))
	}
}

func TestRegisterRejectsDuplicateBackendSlot(t *testing.T) {
	bus, err := NewBus(newFakeController(), &fakeRegistrar{}, 100)
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}
	if _, err := bus.Register(5); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := bus.Register(5); err == nil {
		t.Fatalf("expected duplicate backend slot registration to fail")
	}
}

func TestConfigReadInterceptsInterruptLineAndPin(t *testing.T) {
	bus, err := NewBus(newFakeController(), &fakeRegistrar{}, 100)
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}
	dev, err := bus.Register(0)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	fwd := &fakeForwarder{}
	line, err := dev.ConfigRead(fwd, offsetInterruptLine, 1)
	if err != nil {
		t.Fatalf("ConfigRead(LINE): %v", err)
	}
	wantPin := swizzlePin(dev.GuestSlot, 0)
	if line != uint64(100+wantPin) {
		t.Fatalf("INTERRUPT_LINE=%d, want %d", line, 100+wantPin)
	}

	pin, err := dev.ConfigRead(fwd, offsetInterruptPin, 1)
	if err != nil {
		t.Fatalf("ConfigRead(PIN): %v", err)
	}
	if pin != uint64(wantPin+1) {
		t.Fatalf("INTERRUPT_PIN=%d, want %d", pin, wantPin+1)
	}
}

func TestConfigReadForwardsEverythingElse(t *testing.T) {
	bus, err := NewBus(newFakeController(), &fakeRegistrar{}, 100)
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}
	dev, err := bus.Register(7)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	fwd := &fakeForwarder{reply: 0xcafe}
	val, err := dev.ConfigRead(fwd, 0x10, 4) // BAR0
	if err != nil {
		t.Fatalf("ConfigRead: %v", err)
	}
	if val != 0xcafe {
		t.Fatalf("ConfigRead BAR0=%#x, want 0xcafe", val)
	}
	if fwd.lastAddrSpace != 7 {
		t.Fatalf("forwarded addrSpace=%d, want backend slot 7", fwd.lastAddrSpace)
	}
	if fwd.lastOffset != 0x10 {
		t.Fatalf("forwarded offset=%#x, want 0x10", fwd.lastOffset)
	}
}

func TestSetIntxResamplesSharedLineOnTransition(t *testing.T) {
	ctrl := newFakeController()
	bus, err := NewBus(ctrl, &fakeRegistrar{}, 100)
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}
	dev, err := bus.Register(3)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	pin := swizzlePin(dev.GuestSlot, 0)
	if err := bus.SetIntx(3, 0, true); err != nil {
		t.Fatalf("SetIntx: %v", err)
	}
	if ctrl.injected[100+pin] == 0 {
		t.Fatalf("expected irq %d injected on 0-to-nonzero transition", 100+pin)
	}

	injectedBefore := ctrl.injected[100+pin]
	if err := bus.SetIntx(3, 0, false); err != nil {
		t.Fatalf("SetIntx: %v", err)
	}
	if ctrl.injected[100+pin] != injectedBefore {
		t.Fatalf("expected no further injection on nonzero-to-0 transition (irq %d)", 100+pin)
	}
}

// TestSetIntxResampleOnAckReassertsWhileAnyPinStillSet mirrors the ack
// callback NewINTx registers with the controller: firing it while at least
// one device's pin is still asserted should inject the line again, the
// level-sampled-on-EOI behavior a real INTx pin has that a pure edge line
// doesn't.
func TestSetIntxResampleOnAckReassertsWhileAnyPinStillSet(t *testing.T) {
	ctrl := newFakeController()
	bus, err := NewBus(ctrl, &fakeRegistrar{}, 100)
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}
	dev, err := bus.Register(3)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	pin := swizzlePin(dev.GuestSlot, 0)
	if err := bus.SetIntx(3, 0, true); err != nil {
		t.Fatalf("SetIntx: %v", err)
	}

	ack := ctrl.acks[100+pin]
	if ack == nil {
		t.Fatalf("expected an ack callback registered for irq %d", 100+pin)
	}
	before := ctrl.injected[100+pin]
	ack()
	if ctrl.injected[100+pin] <= before {
		t.Fatalf("expected resample-on-ack to inject again while the pin is still set")
	}
}

func TestSetIntxUnknownBackendSlotErrors(t *testing.T) {
	bus, err := NewBus(newFakeController(), &fakeRegistrar{}, 100)
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}
	if err := bus.SetIntx(99, 0, true); err == nil {
		t.Fatalf("expected SetIntx for unregistered backend slot to fail")
	}
}
