//go:build linux && arm64

// Package kvm adapts the arm64 Linux KVM ioctl interface into an
// hv.VirtualMachine: a guest hosted directly by this process's own vCPU
// threads, rather than one whose traps arrive over the seL4 RPC transport.
// It exists so the proxy can run end to end on a developer workstation
// without a seL4 image, exercising the same pciproxy/ioproxy wiring a real
// seL4-hosted guest would. MMIO exits are dispatched directly to the
// registered devices; faultproxy is not used here.
//
// Only what the MMIO-trap-forward-resume loop and GIC SPI injection need is
// implemented: one vCPU, GICv2 only, no snapshot/migration, no port I/O.
package kvm

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/tiiuae/vioproxy/internal/hv"
	"golang.org/x/sys/unix"
)

const (
	kvmApiVersion           = 12
	kvmGetApiVersion        = 0xae00
	kvmCreateVm             = 0xae01
	kvmCheckExtension       = 0xae03
	kvmGetVcpuMmapSize      = 0xae04
	kvmCreateVcpu           = 0xae41
	kvmRun                  = 0xae80
	kvmIrqLine              = 0x4008ae61
	kvmSetUserMemoryRegion  = 0x4020ae46
	kvmGetOneReg            = 0x4010aeab
	kvmSetOneReg            = 0x4010aeac
	kvmArmVcpuInitIoctl     = 0x4020aeae
	kvmArmPreferredTarget   = 0x8020aeaf
	kvmCreateDevice         = 0xc00caee0
	kvmSetDeviceAttr        = 0x4018aee1

	kvmCapArmVmIpaSize = 165

	kvmExitMmio         = 6
	kvmExitSystemEvent  = 24
	kvmSystemEventShutdown = 2
	kvmSystemEventReset    = 3

	kvmDevTypeArmVgicV2 = 5

	kvmDevArmVgicGrpAddr   = 0
	kvmDevArmVgicGrpNrIrqs = 3
	kvmDevArmVgicGrpCtrl   = 4
	kvmDevArmVgicCtrlInit  = 0

	kvmVgicV2AddrTypeDist = 0
	kvmVgicV2AddrTypeCpu  = 1

	kvmArmVcpuFeaturePsci02     = 2
	kvmArmVcpuInitFeatureWords  = 7

	vgicDistributorBase  = 0x08000000
	vgicCpuInterfaceBase = 0x08010000
	vgicNumIRQs          = 256

	armIRQTypeShift  = 24
	armIRQTypeSPI    = 1
	armSPIBase       = 32

	syncRegsSizeBytes = 2048
)

// MakeSPI builds the irqLine value SetIRQ/RegisterIRQ/InjectIRQ expect for
// GIC shared peripheral interrupt number n (0-based, kernel-level SPI
// numbering starts at 32 and is applied by irqLevel, not by the caller).
func MakeSPI(n uint32) uint32 {
	return (armIRQTypeSPI << armIRQTypeShift) | n
}

func ioctlWithRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return 0, errno
		}
		return v, nil
	}
}

type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

type kvmRunData struct {
	requestInterruptWindow uint8
	immediateExit          uint8
	padding1               [6]uint8
	exitReason             uint32
	readyForInterrupt      uint8
	ifFlag                 uint8
	flags                  uint16
	cr8                    uint64
	apicBase               uint64
	anon0                  [256]byte
	kvmValidRegs           uint64
	kvmDirtyRegs           uint64
	s                      struct{ padding [syncRegsSizeBytes]byte }
}

type kvmExitMMIOData struct {
	physAddr uint64
	data     [8]byte
	len      uint32
	isWrite  uint8
}

type kvmSystemEvent struct {
	typ   uint32
	ndata uint32
	data  [16]uint64
}

type kvmIRQLevel struct {
	IRQOrStatus uint32
	Level       uint32
}

type kvmVcpuInit struct {
	Target   uint32
	Features [kvmArmVcpuInitFeatureWords]uint32
}

type kvmOneReg struct {
	id   uint64
	addr uint64
}

// kvmCreateDeviceArgs mirrors struct kvm_create_device.
type kvmCreateDeviceArgs struct {
	Type  uint32
	Fd    uint32
	Flags uint32
}

// kvmDeviceAttr mirrors struct kvm_device_attr.
type kvmDeviceAttr struct {
	Flags uint32
	Group uint32
	Attr  uint64
	Addr  uint64
}

func createDevice(vmFd int, args *kvmCreateDeviceArgs) error {
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmCreateDevice), uintptr(unsafe.Pointer(args)))
	return err
}

func setDeviceAttr(fd int, attr *kvmDeviceAttr) error {
	_, err := ioctlWithRetry(uintptr(fd), uint64(kvmSetDeviceAttr), uintptr(unsafe.Pointer(attr)))
	return err
}

func setDeviceAttrU64(fd int, group uint32, attr uint64, value uint64) error {
	val := value
	return setDeviceAttr(fd, &kvmDeviceAttr{Group: group, Attr: attr, Addr: uint64(uintptr(unsafe.Pointer(&val)))})
}

func setDeviceAttrU32(fd int, group uint32, attr uint64, value uint32) error {
	val := value
	return setDeviceAttr(fd, &kvmDeviceAttr{Group: group, Attr: attr, Addr: uint64(uintptr(unsafe.Pointer(&val)))})
}

func irqLevel(vmFd int, irqLine uint32, level bool) error {
	if (irqLine>>armIRQTypeShift)&0xff == armIRQTypeSPI {
		irqLine += armSPIBase
	}
	var l uint32
	if level {
		l = 1
	}
	line := kvmIRQLevel{IRQOrStatus: irqLine, Level: l}
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmIrqLine), uintptr(unsafe.Pointer(&line)))
	return err
}

func armPreferredTarget(fd int) (kvmVcpuInit, error) {
	var init kvmVcpuInit
	_, err := ioctlWithRetry(uintptr(fd), uint64(kvmArmPreferredTarget), uintptr(unsafe.Pointer(&init)))
	return init, err
}

func armVcpuInit(vcpuFd int, init *kvmVcpuInit) error {
	_, err := ioctlWithRetry(uintptr(vcpuFd), uint64(kvmArmVcpuInitIoctl), uintptr(unsafe.Pointer(init)))
	return err
}

func enableArmVcpuFeature(init *kvmVcpuInit, feature uint32) {
	word, bit := feature/32, feature%32
	if word >= kvmArmVcpuInitFeatureWords {
		return
	}
	init.Features[word] |= 1 << bit
}

func checkExtension(systemFd int, cap int) (bool, error) {
	ret, err := ioctlWithRetry(uintptr(systemFd), uint64(kvmCheckExtension), uintptr(cap))
	return ret != 0, err
}

// guestRAM implements hv.GuestMemory over an anonymous mmap backing the
// guest's physical address space.
type guestRAM struct {
	base uint64
	mem  []byte
}

func (g *guestRAM) Size() uint64 { return uint64(len(g.mem)) }

func (g *guestRAM) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off) >= len(g.mem) {
		return 0, fmt.Errorf("kvm: ReadAt offset %d out of bounds", off)
	}
	n := copy(p, g.mem[off:])
	if n < len(p) {
		return n, fmt.Errorf("kvm: ReadAt short read")
	}
	return n, nil
}

func (g *guestRAM) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off) >= len(g.mem) {
		return 0, fmt.Errorf("kvm: WriteAt offset %d out of bounds", off)
	}
	n := copy(g.mem[off:], p)
	if n < len(p) {
		return n, fmt.Errorf("kvm: WriteAt short write")
	}
	return n, nil
}

type exitContext struct{ vcpuID int }

func (c *exitContext) VCPUID() int { return c.vcpuID }

// VirtualMachine is the arm64 KVM-backed hv.VirtualMachine.
type VirtualMachine struct {
	systemFd int
	vmFd     int
	vcpuFd   int
	vgicFd   int
	run      []byte

	mem *guestRAM

	mu      sync.Mutex
	devices []hv.MemoryMappedIODevice
	acks    map[uint32]func()
}

// Open creates a single-vCPU arm64 guest with MemorySize bytes of RAM at
// guest physical address MemoryBase, a GICv2 distributor/CPU-interface pair,
// and PSCI 0.2 support enabled.
func Open(memoryBase, memorySize uint64) (*VirtualMachine, error) {
	systemFd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("kvm: open /dev/kvm: %w", err)
	}

	ipaCap, err := checkExtension(systemFd, kvmCapArmVmIpaSize)
	if err != nil {
		unix.Close(systemFd)
		return nil, fmt.Errorf("kvm: check KVM_CAP_ARM_VM_IPA_SIZE: %w", err)
	}
	var ipaSize uintptr
	if ipaCap {
		ipaSize = 40
	}

	vmFd, err := ioctlWithRetry(uintptr(systemFd), uint64(kvmCreateVm), ipaSize)
	if err != nil {
		unix.Close(systemFd)
		return nil, fmt.Errorf("kvm: create VM: %w", err)
	}

	v := &VirtualMachine{
		systemFd: systemFd,
		vmFd:     int(vmFd),
		acks:     make(map[uint32]func()),
	}

	if err := v.initVGIC(); err != nil {
		v.Close()
		return nil, err
	}

	if memorySize == 0 {
		v.Close()
		return nil, fmt.Errorf("kvm: memory size must be greater than 0")
	}
	mem, err := unix.Mmap(-1, 0, int(memorySize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		v.Close()
		return nil, fmt.Errorf("kvm: mmap guest memory: %w", err)
	}
	v.mem = &guestRAM{base: memoryBase, mem: mem}

	region := kvmUserspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: memoryBase,
		MemorySize:    memorySize,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}
	if _, err := ioctlWithRetry(uintptr(v.vmFd), uint64(kvmSetUserMemoryRegion), uintptr(unsafe.Pointer(&region))); err != nil {
		v.Close()
		return nil, fmt.Errorf("kvm: set user memory region: %w", err)
	}

	mmapSize, err := ioctlWithRetry(uintptr(systemFd), uint64(kvmGetVcpuMmapSize), 0)
	if err != nil {
		v.Close()
		return nil, fmt.Errorf("kvm: get vCPU mmap size: %w", err)
	}

	vcpuFd, err := ioctlWithRetry(uintptr(v.vmFd), uint64(kvmCreateVcpu), 0)
	if err != nil {
		v.Close()
		return nil, fmt.Errorf("kvm: create vCPU: %w", err)
	}
	v.vcpuFd = int(vcpuFd)

	run, err := unix.Mmap(v.vcpuFd, 0, int(mmapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		v.Close()
		return nil, fmt.Errorf("kvm: mmap kvm_run: %w", err)
	}
	v.run = run

	init, err := armPreferredTarget(v.vmFd)
	if err != nil {
		v.Close()
		return nil, fmt.Errorf("kvm: get preferred target: %w", err)
	}
	enableArmVcpuFeature(&init, kvmArmVcpuFeaturePsci02)
	if err := armVcpuInit(v.vcpuFd, &init); err != nil {
		v.Close()
		return nil, fmt.Errorf("kvm: init vCPU: %w", err)
	}

	if err := setDeviceAttr(v.vgicFd, &kvmDeviceAttr{Group: kvmDevArmVgicGrpCtrl, Attr: kvmDevArmVgicCtrlInit}); err != nil {
		v.Close()
		return nil, fmt.Errorf("kvm: finalize VGIC: %w", err)
	}

	return v, nil
}

func (v *VirtualMachine) initVGIC() error {
	dev := kvmCreateDeviceArgs{Type: kvmDevTypeArmVgicV2}
	if err := createDevice(v.vmFd, &dev); err != nil {
		return fmt.Errorf("kvm: create VGIC device: %w", err)
	}
	v.vgicFd = int(dev.Fd)

	if err := setDeviceAttrU32(v.vgicFd, kvmDevArmVgicGrpNrIrqs, 0, vgicNumIRQs); err != nil {
		return fmt.Errorf("kvm: set VGIC IRQ count: %w", err)
	}
	if err := setDeviceAttrU64(v.vgicFd, kvmDevArmVgicGrpAddr, kvmVgicV2AddrTypeDist, vgicDistributorBase); err != nil {
		return fmt.Errorf("kvm: set VGIC distributor address: %w", err)
	}
	if err := setDeviceAttrU64(v.vgicFd, kvmDevArmVgicGrpAddr, kvmVgicV2AddrTypeCpu, vgicCpuInterfaceBase); err != nil {
		return fmt.Errorf("kvm: set VGIC CPU interface address: %w", err)
	}
	return nil
}

func (v *VirtualMachine) Memory() hv.GuestMemory { return v.mem }

func (v *VirtualMachine) VCPUCount() int { return 1 }

func (v *VirtualMachine) SetIRQ(irqLine uint32, level bool) error {
	return irqLevel(v.vmFd, irqLine, level)
}

// RegisterIRQ records ack for later invocation by a caller that detects the
// guest has EOI'd the line; this backend has no KVM_IRQFD resamplefd wired
// up, so acks never fire on their own. TODO: wire a resamplefd per
// registered line so level-triggered sources can resample without the
// caller polling.
func (v *VirtualMachine) RegisterIRQ(irqLine uint32, ack func()) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.acks[irqLine] = ack
	return nil
}

func (v *VirtualMachine) InjectIRQ(irqLine uint32) error {
	if err := v.SetIRQ(irqLine, true); err != nil {
		return err
	}
	return v.SetIRQ(irqLine, false)
}

func (v *VirtualMachine) AddDevice(dev hv.MemoryMappedIODevice) error {
	if err := dev.Init(v); err != nil {
		return fmt.Errorf("kvm: init device: %w", err)
	}
	v.mu.Lock()
	v.devices = append(v.devices, dev)
	v.mu.Unlock()
	return nil
}

func (v *VirtualMachine) RemoveDevice(dev hv.MemoryMappedIODevice) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, d := range v.devices {
		if d == dev {
			v.devices = append(v.devices[:i], v.devices[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("kvm: device not registered")
}

// Run drives the vCPU's fault-trap-resume loop until ctx is cancelled, the
// guest halts, or an unhandled exit occurs. It locks the calling goroutine to
// its OS thread for the duration, the way KVM_RUN requires.
func (v *VirtualMachine) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	run := (*kvmRunData)(unsafe.Pointer(&v.run[0]))

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if _, err := ioctlWithRetry(uintptr(v.vcpuFd), uint64(kvmRun), 0); err != nil {
			return fmt.Errorf("kvm: run vCPU: %w", err)
		}

		switch run.exitReason {
		case kvmExitMmio:
			mmio := (*kvmExitMMIOData)(unsafe.Pointer(&run.anon0[0]))
			if err := v.handleMMIO(mmio); err != nil {
				return fmt.Errorf("kvm: handle MMIO: %w", err)
			}
		case kvmExitSystemEvent:
			system := (*kvmSystemEvent)(unsafe.Pointer(&run.anon0[0]))
			switch system.typ {
			case kvmSystemEventShutdown:
				return hv.ErrGuestHalted
			case kvmSystemEventReset:
				return fmt.Errorf("kvm: guest requested reboot")
			default:
				return fmt.Errorf("kvm: system event %d", system.typ)
			}
		default:
			return fmt.Errorf("kvm: vCPU exited with reason %d", run.exitReason)
		}
	}
}

func (v *VirtualMachine) handleMMIO(mmio *kvmExitMMIOData) error {
	addr := mmio.physAddr
	size := mmio.len
	data := mmio.data[:size]
	ctx := &exitContext{vcpuID: 0}

	v.mu.Lock()
	devices := append([]hv.MemoryMappedIODevice(nil), v.devices...)
	v.mu.Unlock()

	for _, dev := range devices {
		for _, region := range dev.MMIORegions() {
			if addr >= region.Address && addr+uint64(size) <= region.Address+region.Size {
				if mmio.isWrite == 0 {
					return dev.ReadMMIO(ctx, addr, data)
				}
				return dev.WriteMMIO(ctx, addr, data)
			}
		}
	}
	return fmt.Errorf("%w: no device claims 0x%x", hv.ErrUnhandledMMIO, addr)
}

// Close releases the vCPU, VGIC device, VM, and /dev/kvm file descriptors.
func (v *VirtualMachine) Close() error {
	if v.run != nil {
		unix.Munmap(v.run)
	}
	if v.mem != nil && v.mem.mem != nil {
		unix.Munmap(v.mem.mem)
	}
	if v.vcpuFd != 0 {
		unix.Close(v.vcpuFd)
	}
	if v.vgicFd != 0 {
		unix.Close(v.vgicFd)
	}
	if v.vmFd != 0 {
		unix.Close(v.vmFd)
	}
	if v.systemFd != 0 {
		unix.Close(v.systemFd)
	}
	return nil
}

var _ hv.VirtualMachine = (*VirtualMachine)(nil)
