package console

import (
	"bytes"
	"testing"
)

func TestWriteMMIOForwardsDataRegisterByte(t *testing.T) {
	var out bytes.Buffer
	p := New(0x09000000, 0x1000, &out)
	if err := p.Init(nil); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := p.WriteMMIO(nil, 0x09000000+regDR, []byte{'h'}); err != nil {
		t.Fatalf("WriteMMIO: %v", err)
	}
	if err := p.WriteMMIO(nil, 0x09000000+regDR, []byte{'i'}); err != nil {
		t.Fatalf("WriteMMIO: %v", err)
	}

	if got := out.String(); got != "hi" {
		t.Fatalf("out=%q, want %q", got, "hi")
	}
}

func TestReadMMIOFlagRegisterReportsFIFOsEmpty(t *testing.T) {
	p := New(0x09000000, 0x1000, nil)
	if err := p.Init(nil); err != nil {
		t.Fatalf("Init: %v", err)
	}

	data := make([]byte, 4)
	if err := p.ReadMMIO(nil, 0x09000000+regFR, data); err != nil {
		t.Fatalf("ReadMMIO: %v", err)
	}
	value := uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
	if value&flagTxEmpty == 0 || value&flagRxEmpty == 0 {
		t.Fatalf("FR=0x%x, want both TXFE and RXFE set", value)
	}
}

func TestReadWriteRoundTripsBaudRateRegisters(t *testing.T) {
	p := New(0x09000000, 0x1000, nil)
	if err := p.Init(nil); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := p.WriteMMIO(nil, 0x09000000+regIBRD, []byte{0x2a, 0, 0, 0}); err != nil {
		t.Fatalf("WriteMMIO IBRD: %v", err)
	}
	data := make([]byte, 4)
	if err := p.ReadMMIO(nil, 0x09000000+regIBRD, data); err != nil {
		t.Fatalf("ReadMMIO IBRD: %v", err)
	}
	if data[0] != 0x2a {
		t.Fatalf("IBRD readback=%v, want first byte 0x2a", data)
	}
}

func TestMMIORejectsOutOfRangeAccess(t *testing.T) {
	p := New(0x09000000, 0x1000, nil)
	if err := p.Init(nil); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := p.ReadMMIO(nil, 0x09000000+0x2000, make([]byte, 4)); err == nil {
		t.Fatalf("expected an error reading outside the device's MMIO region")
	}
	if err := p.WriteMMIO(nil, 0x09000000, make([]byte, 8)); err == nil {
		t.Fatalf("expected an error for an oversized access")
	}
}
