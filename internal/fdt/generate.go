package fdt

import (
	"fmt"
)

// devfn helpers, mirroring the PCI_DEVFN/PCI_SLOT/PCI_FUNC encoding: slot
// in the top 5 bits, function in the bottom 3.
func pciDevfn(slot, fn uint32) uint32 { return (slot&0x1f)<<3 | (fn & 0x07) }
func pciSlot(devfn uint32) uint32     { return (devfn >> 3) & 0x1f }
func pciFunc(devfn uint32) uint32     { return devfn & 0x07 }

// Generator augments an already-parsed device tree Blob with the nodes a
// running proxy discovers it needs as the guest comes up: reserved memory
// regions for dataports and the swiotlb, and PCI function placeholders for
// virtio-pci devices the backend registers. It never replaces anything the
// base blob already describes; it only appends.
type Generator struct {
	blob        *Blob
	nextPhandle uint32

	registry []registeredNode
}

// NewGenerator wraps blob for incremental augmentation. Phandle allocation
// starts one past the highest phandle already present, so newly assigned
// phandles can never collide with ones the base blob brought with it.
func NewGenerator(blob *Blob) *Generator {
	return &Generator{blob: blob, nextPhandle: maxPhandle(blob.Root) + 1}
}

// Blob returns the tree being built, for a caller that wants the final
// bytes via Blob.Bytes once augmentation is done.
func (g *Generator) Blob() *Blob { return g.blob }

func maxPhandle(n Node) uint32 {
	max := uint32(0)
	if p, ok := n.Properties["phandle"]; ok && len(p.U32) > 0 {
		if p.U32[0] > max {
			max = p.U32[0]
		}
	} else if ok && len(p.Bytes) == 4 {
		v := uint32(p.Bytes[0])<<24 | uint32(p.Bytes[1])<<16 | uint32(p.Bytes[2])<<8 | uint32(p.Bytes[3])
		if v > max {
			max = v
		}
	}
	for _, c := range n.Children {
		if v := maxPhandle(c); v > max {
			max = v
		}
	}
	return max
}

func (g *Generator) assignPhandle() uint32 {
	p := g.nextPhandle
	if p == 0 || p == 0xffffffff {
		return 0
	}
	g.nextPhandle++
	return p
}

// findChild returns a pointer to parent's direct child named name, or nil.
func findChild(parent *Node, name string) *Node {
	for i := range parent.Children {
		if parent.Children[i].Name == name {
			return &parent.Children[i]
		}
	}
	return nil
}

// pathOffset walks a slash-separated absolute path ("/reserved-memory")
// from the tree root, the tree-mutation equivalent of libfdt's
// fdt_path_offset for an already-decoded tree.
func (g *Generator) pathOffset(path string) (*Node, error) {
	if path == "" || path[0] != '/' {
		return nil, fmt.Errorf("fdt: path %q must be absolute", path)
	}
	node := &g.blob.Root
	for _, seg := range splitPath(path) {
		child := findChild(node, seg)
		if child == nil {
			return nil, fmt.Errorf("fdt: %q not found", path)
		}
		node = child
	}
	return node, nil
}

func splitPath(path string) []string {
	var segs []string
	start := 1
	for i := 1; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if i > start {
				segs = append(segs, path[start:i])
			}
			start = i + 1
		}
	}
	return segs
}

// FormatMemoryName builds the unit-addressed node name a reserved memory
// region or its companion /memory node is published under, "<prefix>@<hex
// base>".
func FormatMemoryName(prefix string, base uint64) string {
	return fmt.Sprintf("%s@%x", prefix, base)
}

// FormatPCIDevFnName builds the unit-addressed node name a PCI function
// placeholder is published under, "<prefix>@<slot>,<func>".
func FormatPCIDevFnName(prefix string, devfn uint32) string {
	return fmt.Sprintf("%s@%d,%d", prefix, pciSlot(devfn), pciFunc(devfn))
}

// GenerateReservedNode adds a /reserved-memory/<prefix>@<base> subnode
// describing a dataport or other backend-owned region, with a "compatible"
// string, a "reg" pair sized to the root's #address-cells/#size-cells, and
// a freshly assigned phandle. It also emits a companion top-level /memory
// node covering the same range, purely so a guest kernel that double-checks
// reserved ranges against known memory has something to check against.
//
// Returns the phandle assigned to the reserved-memory node.
func (g *Generator) GenerateReservedNode(prefix, compatible string, base, size uint64) (uint32, error) {
	root, err := g.pathOffset("/reserved-memory")
	if err != nil {
		return 0, err
	}

	addressCells, sizeCells := cellCounts(root)

	name := FormatMemoryName(prefix, base)
	if findChild(root, name) != nil {
		return 0, fmt.Errorf("fdt: /reserved-memory/%s already exists", name)
	}

	phandle := g.assignPhandle()
	if phandle == 0 {
		return 0, fmt.Errorf("fdt: no free phandle for /reserved-memory/%s", name)
	}
	node := Node{
		Name: name,
		Properties: map[string]Property{
			"compatible": {Strings: []string{compatible}},
			"reg":        regProperty(base, size, addressCells, sizeCells),
			"phandle":    {U32: []uint32{phandle}},
		},
	}
	root.Children = append(root.Children, node)

	g.generateMemoryNode(base, size)

	return phandle, nil
}

// generateMemoryNode appends a top-level /memory@<base> node spanning
// [base, base+size), skipping silently if one already exists: a backend
// may describe several dataports inside a single memory region the base
// blob already advertises.
func (g *Generator) generateMemoryNode(base, size uint64) {
	name := FormatMemoryName("memory", base)
	if findChild(&g.blob.Root, name) != nil {
		return
	}
	addressCells, sizeCells := cellCounts(&g.blob.Root)
	g.blob.Root.Children = append(g.blob.Root.Children, Node{
		Name: name,
		Properties: map[string]Property{
			"device_type": {Strings: []string{"memory"}},
			"reg":         regProperty(base, size, addressCells, sizeCells),
		},
	})
}

// AssignReservedMemory links an already-present node at path to the
// reserved-memory region named <prefix>@<base> via a "memory-region"
// phandle reference, if that region has in fact been generated. It is not
// an error for the region to be missing -- not every dataport a device
// owns necessarily got a reserved-memory node of its own.
func (g *Generator) AssignReservedMemory(path, prefix string, base uint64) error {
	name := FormatMemoryName(prefix, base)
	region, err := g.pathOffset("/reserved-memory")
	if err != nil {
		return nil
	}
	resNode := findChild(region, name)
	if resNode == nil {
		return nil
	}
	phandleProp, ok := resNode.Properties["phandle"]
	if !ok || len(phandleProp.U32) == 0 {
		return fmt.Errorf("fdt: reserved-memory node %q has no phandle", name)
	}

	node, err := g.pathOffset(path)
	if err != nil {
		return err
	}
	if node.Properties == nil {
		node.Properties = map[string]Property{}
	}
	node.Properties["memory-region"] = Property{U32: []uint32{phandleProp.U32[0]}}
	return nil
}

// GeneratePCIDevFnNode adds a /pci/<prefix>@<slot>,<func> placeholder node
// for a virtio-pci device the backend has registered, with the quintet
// "reg" cell layout (phys.hi phys.mid phys.lo size.hi size.lo) the PCI
// binding expects, bus number fixed at zero.
func (g *Generator) GeneratePCIDevFnNode(prefix string, devfn uint32) error {
	root, err := g.pathOffset("/pci")
	if err != nil {
		return err
	}

	name := FormatPCIDevFnName(prefix, devfn)
	if findChild(root, name) != nil {
		return fmt.Errorf("fdt: /pci/%s already exists", name)
	}

	physHi := (devfn & 0xff) << 8
	root.Children = append(root.Children, Node{
		Name: name,
		Properties: map[string]Property{
			"reg": {U32: []uint32{physHi, 0, 0, 0, 0}},
		},
	})
	return nil
}

func cellCounts(n *Node) (addressCells, sizeCells uint32) {
	addressCells, sizeCells = 2, 2
	if p, ok := n.Properties["#address-cells"]; ok && len(p.U32) > 0 {
		addressCells = p.U32[0]
	}
	if p, ok := n.Properties["#size-cells"]; ok && len(p.U32) > 0 {
		sizeCells = p.U32[0]
	}
	return
}

func regProperty(base, size uint64, addressCells, sizeCells uint32) Property {
	var cells []uint32
	cells = append(cells, splitCells(base, addressCells)...)
	cells = append(cells, splitCells(size, sizeCells)...)
	return Property{U32: cells}
}

// splitCells renders v as n big-endian 32-bit cells, high cell first --
// one cell for a 32-bit address/size space, two for a 64-bit one.
func splitCells(v uint64, n uint32) []uint32 {
	cells := make([]uint32, n)
	for i := uint32(0); i < n; i++ {
		shift := (n - 1 - i) * 32
		cells[i] = uint32(v >> shift)
	}
	return cells
}

// DataportNode describes one backend-owned shared memory region eligible
// for publication as reserved memory: a shared-memory dataport (virtqueue
// rings, request buffers) or the DMA bounce buffer a device without full
// IOMMU isolation needs.
type DataportNode struct {
	Name       string
	Compatible string
	GPA        uint64
	Size       uint64
}

type registeredNode struct {
	compatible string
	generated  bool
	generate   func(g *Generator) (bool, error)
}

// RegisterDataport adds d to the set of pending node generators, to be run
// later by GenerateCompatible or GenerateAll. It mirrors the base case: a
// reserved-memory node plus its companion /memory node, nothing more.
func (g *Generator) RegisterDataport(d DataportNode) {
	g.registry = append(g.registry, registeredNode{
		compatible: d.Compatible,
		generate: func(g *Generator) (bool, error) {
			_, err := g.GenerateReservedNode(d.Name, d.Compatible, d.GPA, d.Size)
			return err == nil, err
		},
	})
}

// RegisterSWIOTLB is RegisterDataport, except it's a no-op if the dataport
// spans the guest's entire RAM region: if swiotlb bouncing covers all of
// RAM there's nothing distinct to reserve, the guest's ordinary /memory
// node already covers it.
func (g *Generator) RegisterSWIOTLB(d DataportNode, guestRAMBase, guestRAMSize uint64) {
	g.registry = append(g.registry, registeredNode{
		compatible: d.Compatible,
		generate: func(g *Generator) (bool, error) {
			if d.GPA == guestRAMBase && d.Size == guestRAMSize {
				return false, nil
			}
			_, err := g.GenerateReservedNode(d.Name, d.Compatible, d.GPA, d.Size)
			return err == nil, err
		},
	})
}

// GenerateCompatible runs every registered, not-yet-generated node whose
// compatible string matches, same filtering handle_mmio's compatible-string
// node registry provides.
func (g *Generator) GenerateCompatible(compatible string) error {
	return g.runRegistry(func(r *registeredNode) bool { return r.compatible == compatible })
}

// GenerateAll runs every registered, not-yet-generated node regardless of
// compatible string.
func (g *Generator) GenerateAll() error {
	return g.runRegistry(func(*registeredNode) bool { return true })
}

func (g *Generator) runRegistry(filter func(*registeredNode) bool) error {
	for i := range g.registry {
		r := &g.registry[i]
		if r.generated || !filter(r) {
			continue
		}
		generated, err := r.generate(g)
		if err != nil {
			return err
		}
		r.generated = generated
	}
	return nil
}
