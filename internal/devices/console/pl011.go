// Package console implements a pl011 UART register file good enough to
// satisfy a guest kernel's early console driver. The real pl011 instance
// a seL4-hosted guest talks to is owned by a CAmkES component outside this
// module; this one is cmd/vmproxy's local console, a trivial, real
// MemoryMappedIODevice served in-process without any of the
// device-specific RPC machinery.
package console

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/tiiuae/vioproxy/internal/hv"
)

const (
	regDR   = 0x00
	regRSR  = 0x04
	regFR   = 0x18
	regILPR = 0x20
	regIBRD = 0x24
	regFBRD = 0x28
	regLCRH = 0x2c
	regCR   = 0x30
	regIFLS = 0x34
	regIMSC = 0x38
	regRIS  = 0x3c
	regMIS  = 0x40
	regICR  = 0x44
	regDMAC = 0x48

	flagTxEmpty = 1 << 7
	flagRxEmpty = 1 << 4
)

// PL011 is a write-only (from the guest's perspective) UART: it accepts
// bytes written to DR and forwards them to out, and always reports
// transmit/receive FIFOs as empty so a guest never blocks on it.
type PL011 struct {
	base uint64
	size uint64

	out io.Writer

	mu    sync.Mutex
	cr    uint32
	lcrh  uint32
	ibrd  uint32
	fbrd  uint32
	ifls  uint32
	imsc  uint32
	dmacr uint32

	outByte [1]byte
}

func New(base, size uint64, out io.Writer) *PL011 {
	return &PL011{base: base, size: size, out: out}
}

func (p *PL011) Init(vm hv.VirtualMachine) error {
	if p.out == nil {
		p.out = io.Discard
	}
	return nil
}

func (p *PL011) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: p.base, Size: p.size}}
}

func (p *PL011) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	if err := p.checkBounds(addr, len(data)); err != nil {
		return err
	}
	offset := addr - p.base

	p.mu.Lock()
	value := p.readRegister(offset)
	p.mu.Unlock()

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	copy(data, buf[:len(data)])
	return nil
}

func (p *PL011) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	if err := p.checkBounds(addr, len(data)); err != nil {
		return err
	}
	offset := addr - p.base
	var value uint32
	for i := 0; i < len(data); i++ {
		value |= uint32(data[i]) << (8 * i)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeRegister(offset, value)
}

func (p *PL011) checkBounds(addr uint64, size int) error {
	if size == 0 || size > 4 {
		return fmt.Errorf("pl011: unsupported access size %d", size)
	}
	if addr < p.base || addr+uint64(size) > p.base+p.size {
		return fmt.Errorf("pl011: access out of range (addr=0x%x size=%d)", addr, size)
	}
	return nil
}

func (p *PL011) readRegister(offset uint64) uint32 {
	switch offset {
	case regFR:
		return flagTxEmpty | flagRxEmpty
	case regIBRD:
		return p.ibrd
	case regFBRD:
		return p.fbrd
	case regLCRH:
		return p.lcrh
	case regCR:
		return p.cr
	case regIFLS:
		return p.ifls
	case regIMSC:
		return p.imsc
	case regDMAC:
		return p.dmacr
	case regDR, regRSR, regILPR, regRIS, regMIS, regICR:
		return 0
	default:
		return 0
	}
}

func (p *PL011) writeRegister(offset uint64, value uint32) error {
	switch offset {
	case regDR:
		p.outByte[0] = byte(value & 0xff)
		if _, err := p.out.Write(p.outByte[:]); err != nil {
			return fmt.Errorf("pl011: write output: %w", err)
		}
	case regIBRD:
		p.ibrd = value
	case regFBRD:
		p.fbrd = value
	case regLCRH:
		p.lcrh = value
	case regCR:
		p.cr = value
	case regIFLS:
		p.ifls = value
	case regIMSC:
		p.imsc = value
	case regICR:
		p.imsc = 0
	case regDMAC:
		p.dmacr = value
	case regRSR, regILPR:
		// write-to-clear / unsupported, ignore
	default:
		// unimplemented register, ignore
	}
	return nil
}

var _ hv.MemoryMappedIODevice = (*PL011)(nil)
