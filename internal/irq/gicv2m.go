package irq

import (
	"encoding/binary"
	"fmt"

	"github.com/tiiuae/vioproxy/internal/hv"
)

// GICv2MMaxIRQ bounds how many MSI-triggered SPIs one v2m frame can own.
const GICv2MMaxIRQ = 128

const (
	v2mRegMSITyper     = 0x008
	v2mRegMSISetSPI_NS = 0x040
	v2mRegMSIIIDR      = 0xFCC
	v2mRegIIDR0        = 0xFD0
	v2mRegIIDR11       = 0xFFC

	v2mProductID = 0x53 // ASCII 'S'
)

// GICv2M emulates a GICv2m MSI frame: a guest writes the target SPI number
// to SETSPI_NS and this pulses the corresponding Line. It never injects
// anything on its own; every SPI it owns must already be wired up as a
// Line against the real interrupt controller.
type GICv2M struct {
	base, size uint64
	irqBase    uint32
	numIRQ     uint32
	lines      []*Line
}

// NewGICv2M reserves irqBase..irqBase+numIRQ-1 as Lines against ctrl and
// returns an MMIO device answering for [base, base+size).
func NewGICv2M(ctrl Controller, base, size uint64, irqBase, numIRQ uint32) (*GICv2M, error) {
	if numIRQ > GICv2MMaxIRQ {
		return nil, fmt.Errorf("irq: gicv2m num_irq %d exceeds max %d", numIRQ, GICv2MMaxIRQ)
	}
	if irqBase+numIRQ > 1020 {
		return nil, fmt.Errorf("irq: gicv2m irq range %d:%d exceeds max 1020", irqBase, irqBase+numIRQ)
	}

	lines := make([]*Line, numIRQ)
	for i := uint32(0); i < numIRQ; i++ {
		l, err := NewLine(ctrl, irqBase+i)
		if err != nil {
			return nil, fmt.Errorf("irq: gicv2m irq %d: %w", irqBase+i, err)
		}
		lines[i] = l
	}

	return &GICv2M{base: base, size: size, irqBase: irqBase, numIRQ: numIRQ, lines: lines}, nil
}

func (g *GICv2M) Init(vm hv.VirtualMachine) error { return nil }

func (g *GICv2M) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: g.base, Size: g.size}}
}

func (g *GICv2M) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("gicv2m: invalid read size %d", len(data))
	}

	var val uint32
	switch off := addr - g.base; {
	case off == v2mRegMSITyper:
		val = g.irqBase<<16 | g.numIRQ
	case off == v2mRegMSIIIDR:
		val = v2mProductID << 20
	case off >= v2mRegIIDR0 && off <= v2mRegIIDR11:
		val = 0
	default:
		return fmt.Errorf("gicv2m: unhandled read at offset 0x%x", off)
	}

	binary.LittleEndian.PutUint32(data, val)
	return nil
}

func (g *GICv2M) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	if len(data) != 2 && len(data) != 4 {
		return fmt.Errorf("gicv2m: invalid write size %d", len(data))
	}

	var val uint32
	for i := 0; i < len(data); i++ {
		val |= uint32(data[i]) << (8 * i)
	}

	switch off := addr - g.base; off {
	case v2mRegMSISetSPI_NS:
		spi := (val & 0x3ff) - g.irqBase
		if spi < g.numIRQ {
			if err := g.lines[spi].Pulse(); err != nil {
				return fmt.Errorf("gicv2m: pulse spi %d: %w", spi, err)
			}
		}
	default:
		return fmt.Errorf("gicv2m: unhandled write at offset 0x%x", off)
	}

	return nil
}

var _ hv.MemoryMappedIODevice = (*GICv2M)(nil)
