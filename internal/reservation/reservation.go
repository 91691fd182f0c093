// Package reservation tracks which backend owns which already-placed guest
// resource -- an MMIO window or an interrupt line -- so the fault
// dispatcher knows who to route a trap to, and so a backend going away can
// find and release exactly what it was holding. It is a registry keyed by
// (owner, resource), not an allocator: the resources it tracks are placed
// by the guest's device tree or its PCI enumeration, not chosen here.
package reservation

import (
	"fmt"
	"sync"

	"github.com/tiiuae/vioproxy/internal/hv"
	"github.com/tiiuae/vioproxy/internal/irq"
)

// Owner identifies whoever holds a reservation -- typically a backend's
// own io proxy, compared by identity. Any comparable value works; callers
// that don't have a natural owner type can use a pointer to a dedicated
// marker struct.
type Owner any

type mmioEntry struct {
	owner  Owner
	addr   uint64
	size   uint64
	device hv.MemoryMappedIODevice
}

// MMIOTable is the registry of currently-reserved MMIO windows. Assign
// registers a device with the guest and records who owns the window it
// claims; Free reverses both.
type MMIOTable struct {
	vm hv.VirtualMachine

	mu      sync.Mutex
	entries []mmioEntry
}

func NewMMIOTable(vm hv.VirtualMachine) *MMIOTable {
	return &MMIOTable{vm: vm}
}

func (t *MMIOTable) Assign(owner Owner, addr, size uint64, device hv.MemoryMappedIODevice) error {
	if _, exists := t.Find(owner, addr, size); exists {
		return fmt.Errorf("reservation: mmio 0x%x/0x%x already reserved for %v", addr, size, owner)
	}
	if err := t.vm.AddDevice(device); err != nil {
		return fmt.Errorf("reservation: reserve mmio 0x%x/0x%x for %v: %w", addr, size, owner, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, mmioEntry{owner: owner, addr: addr, size: size, device: device})
	return nil
}

func (t *MMIOTable) Find(owner Owner, addr, size uint64) (hv.MemoryMappedIODevice, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.entries {
		if e.owner == owner && e.addr == addr && e.size == size {
			return e.device, true
		}
	}
	return nil, false
}

func (t *MMIOTable) Free(owner Owner, addr, size uint64) error {
	t.mu.Lock()
	idx := -1
	for i, e := range t.entries {
		if e.owner == owner && e.addr == addr && e.size == size {
			idx = i
			break
		}
	}
	if idx < 0 {
		t.mu.Unlock()
		return fmt.Errorf("reservation: no mmio reservation for 0x%x/0x%x owned by %v", addr, size, owner)
	}
	entry := t.entries[idx]
	t.entries = append(t.entries[:idx], t.entries[idx+1:]...)
	t.mu.Unlock()

	return t.vm.RemoveDevice(entry.device)
}

type irqEntry struct {
	owner Owner
	num   uint32
	line  *irq.Line
}

// IRQTable is the registry of currently-reserved edge interrupt lines.
// Unlike MMIOTable, Free has nothing to undo at the guest interrupt
// controller -- there's no API for deregistering an IRQ -- so it only
// drops the bookkeeping entry, the same as the code this was adapted from.
type IRQTable struct {
	ctrl irq.Controller

	mu      sync.Mutex
	entries []irqEntry
}

func NewIRQTable(ctrl irq.Controller) *IRQTable {
	return &IRQTable{ctrl: ctrl}
}

func (t *IRQTable) Assign(owner Owner, num uint32) (*irq.Line, error) {
	line, err := irq.NewLine(t.ctrl, num)
	if err != nil {
		return nil, fmt.Errorf("reservation: reserve irq %d for %v: %w", num, owner, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, irqEntry{owner: owner, num: num, line: line})
	return line, nil
}

func (t *IRQTable) Find(owner Owner, num uint32) (*irq.Line, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.entries {
		if e.owner == owner && e.num == num {
			return e.line, true
		}
	}
	return nil, false
}

func (t *IRQTable) Free(owner Owner, num uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, e := range t.entries {
		if e.owner == owner && e.num == num {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("reservation: no irq reservation for %d owned by %v", num, owner)
}
