package fdt

import (
	"encoding/binary"
	"fmt"
)

// Blob is a parsed FDT: a node tree plus whatever memory reservations came
// with it. Parse and BuildWithReservations are inverses of each other for
// anything this package itself produces; a third-party libfdt blob
// round-trips just as well, since every property not explicitly
// reconstructed as a string/u32/u64 list is kept as opaque bytes.
type Blob struct {
	Root         Node
	Reservations []MemReserve
}

// Bytes re-serializes the blob, structurally identical to the original
// except for property value kinds Parse had no way to recover (a
// single-u32 property and a 4-byte bytes property are indistinguishable on
// the wire, so Parse always picks "bytes"; Build emits the same bytes for
// either, so this doesn't change the result).
func (b *Blob) Bytes() ([]byte, error) {
	return BuildWithReservations(b.Root, b.Reservations)
}

// Parse decodes a flattened device tree blob into a Blob.
func Parse(data []byte) (*Blob, error) {
	if len(data) < fdtHeaderSize {
		return nil, fmt.Errorf("fdt: blob too small for header")
	}

	magic := binary.BigEndian.Uint32(data[0:4])
	if magic != fdtMagic {
		return nil, fmt.Errorf("fdt: bad magic %#x", magic)
	}
	totalSize := binary.BigEndian.Uint32(data[4:8])
	offStruct := binary.BigEndian.Uint32(data[8:12])
	offStrings := binary.BigEndian.Uint32(data[12:16])
	offMemReserve := binary.BigEndian.Uint32(data[16:20])

	if int(totalSize) > len(data) {
		return nil, fmt.Errorf("fdt: truncated blob (header says %d bytes, have %d)", totalSize, len(data))
	}

	reservations, err := parseMemReserve(data, offMemReserve)
	if err != nil {
		return nil, err
	}

	p := &parser{data: data, off: int(offStruct), strings: int(offStrings)}
	root, err := p.parseNode()
	if err != nil {
		return nil, err
	}

	return &Blob{Root: root, Reservations: reservations}, nil
}

func parseMemReserve(data []byte, off uint32) ([]MemReserve, error) {
	var out []MemReserve
	for pos := int(off); ; pos += 16 {
		if pos+16 > len(data) {
			return nil, fmt.Errorf("fdt: memory reservation block runs past end of blob")
		}
		addr := binary.BigEndian.Uint64(data[pos:])
		size := binary.BigEndian.Uint64(data[pos+8:])
		if addr == 0 && size == 0 {
			return out, nil
		}
		out = append(out, MemReserve{Address: addr, Size: size})
	}
}

type parser struct {
	data    []byte
	off     int
	strings int
}

func (p *parser) u32() (uint32, error) {
	if p.off+4 > len(p.data) {
		return 0, fmt.Errorf("fdt: struct block runs past end of blob")
	}
	v := binary.BigEndian.Uint32(p.data[p.off:])
	p.off += 4
	return v, nil
}

func (p *parser) pad() {
	for p.off%4 != 0 {
		p.off++
	}
}

func (p *parser) cString(off int) (string, error) {
	end := off
	for end < len(p.data) && p.data[end] != 0 {
		end++
	}
	if end >= len(p.data) {
		return "", fmt.Errorf("fdt: unterminated string at offset %d", off)
	}
	return string(p.data[off:end]), nil
}

// parseNode expects the cursor positioned at a FDT_BEGIN_NODE token and
// consumes through the matching FDT_END_NODE.
func (p *parser) parseNode() (Node, error) {
	token, err := p.u32()
	if err != nil {
		return Node{}, err
	}
	if token != fdtBeginNodeToken {
		return Node{}, fmt.Errorf("fdt: expected FDT_BEGIN_NODE, got %#x", token)
	}

	name, err := p.cString(p.off)
	if err != nil {
		return Node{}, err
	}
	p.off += len(name) + 1
	p.pad()

	n := Node{Name: name}

	for {
		token, err := p.u32()
		if err != nil {
			return Node{}, err
		}

		switch token {
		case fdtEndNodeToken:
			return n, nil

		case fdtPropToken:
			propName, propVal, err := p.parseProp()
			if err != nil {
				return Node{}, err
			}
			if n.Properties == nil {
				n.Properties = map[string]Property{}
			}
			n.Properties[propName] = propVal

		case fdtBeginNodeToken:
			p.off -= 4
			child, err := p.parseNode()
			if err != nil {
				return Node{}, err
			}
			n.Children = append(n.Children, child)

		case 0x4: // FDT_NOP
			continue

		default:
			return Node{}, fmt.Errorf("fdt: unexpected token %#x in node %q", token, name)
		}
	}
}

func (p *parser) parseProp() (string, Property, error) {
	length, err := p.u32()
	if err != nil {
		return "", Property{}, err
	}
	nameOff, err := p.u32()
	if err != nil {
		return "", Property{}, err
	}
	name, err := p.cString(p.strings + int(nameOff))
	if err != nil {
		return "", Property{}, err
	}

	if p.off+int(length) > len(p.data) {
		return "", Property{}, fmt.Errorf("fdt: property %q value runs past end of blob", name)
	}
	val := append([]byte(nil), p.data[p.off:p.off+int(length)]...)
	p.off += int(length)
	p.pad()

	if len(val) == 0 {
		return name, Property{Flag: true}, nil
	}
	return name, Property{Bytes: val}, nil
}
