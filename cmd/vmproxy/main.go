// Command vmproxy hosts one guest virtual machine and bridges it to a
// device-emulation backend over a pair of shared-memory dataports: an RPC
// queue carrying MMIO and PCI config space request/reply traffic, and an
// event queue carrying fire-and-forget notifications (SET_IRQ,
// REGISTER_PCI_DEV, device readiness). The guest itself is a local arm64
// KVM virtual machine -- the only hv.VirtualMachine binding this module can
// build without a cgo boundary into a microkernel this process doesn't run
// inside of -- with a pl011 console device served directly, out of band
// from the backend link.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
	"unsafe"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/tiiuae/vioproxy/internal/devices/console"
	"github.com/tiiuae/vioproxy/internal/dispatch"
	"github.com/tiiuae/vioproxy/internal/fdt"
	"github.com/tiiuae/vioproxy/internal/hv/kvm"
	"github.com/tiiuae/vioproxy/internal/ioproxy"
	"github.com/tiiuae/vioproxy/internal/irq"
	"github.com/tiiuae/vioproxy/internal/pciproxy"
	"github.com/tiiuae/vioproxy/internal/reservation"
	"github.com/tiiuae/vioproxy/internal/rpcmsg"
)

type config struct {
	rpcDataport    string
	eventDataport  string
	platformName   string
	platformConfig string
	kernelPath     string
	kernelLoadOff  uint64
}

func main() {
	var cfg config
	flag.StringVar(&cfg.rpcDataport, "rpc-dataport", "", "path to the shared-memory file backing the RPC queue")
	flag.StringVar(&cfg.eventDataport, "event-dataport", "", "path to the shared-memory file backing the event queue")
	flag.StringVar(&cfg.platformName, "platform", "qemu-virt", "builtin platform descriptor (qemu-virt, rpi4)")
	flag.StringVar(&cfg.platformConfig, "platform-config", "", "YAML file overlaying fields of the builtin platform descriptor")
	flag.StringVar(&cfg.kernelPath, "kernel", "", "raw kernel image copied into guest RAM at startup")
	flag.Uint64Var(&cfg.kernelLoadOff, "kernel-load-offset", 0x80000, "offset from memory-base the kernel image is copied to")
	flag.Parse()

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "vmproxy: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config) error {
	plat, err := loadPlatformConfig(cfg.platformName, cfg.platformConfig)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	vm, err := kvm.Open(plat.MemoryBase, plat.MemorySize)
	if err != nil {
		return fmt.Errorf("open guest: %w", err)
	}
	defer vm.Close()

	if cfg.kernelPath != "" {
		if err := loadKernelImage(vm, cfg.kernelPath, cfg.kernelLoadOff); err != nil {
			return fmt.Errorf("load kernel: %w", err)
		}
	}

	restoreTerm := enableRawConsole()
	defer restoreTerm()

	mmioTable := reservation.NewMMIOTable(vm)
	if err := mmioTable.Assign("console", plat.ConsoleBase, 0x1000, console.New(plat.ConsoleBase, 0x1000, os.Stdout)); err != nil {
		return fmt.Errorf("attach console: %w", err)
	}

	gicv2m, err := irq.NewGICv2M(vm, plat.MSIBase, plat.MSISize, plat.MSIIRQBase, plat.MSINumIRQ)
	if err != nil {
		return fmt.Errorf("init gicv2m: %w", err)
	}
	if err := mmioTable.Assign("gicv2m", plat.MSIBase, plat.MSISize, gicv2m); err != nil {
		return fmt.Errorf("attach gicv2m: %w", err)
	}

	gen := fdt.NewGenerator(&fdt.Blob{Root: fdt.Node{
		Properties: map[string]fdt.Property{
			"#address-cells": {U32: []uint32{2}},
			"#size-cells":    {U32: []uint32{2}},
		},
		Children: []fdt.Node{
			{Name: "reserved-memory", Properties: map[string]fdt.Property{
				"#address-cells": {U32: []uint32{2}}, "#size-cells": {U32: []uint32{2}},
			}},
			{Name: "pci"},
		},
	}})

	registrar := &fdtRegistrar{gen: gen}

	bus, err := pciproxy.NewBus(vm, registrar, plat.PCIIRQBase)
	if err != nil {
		return fmt.Errorf("init pci bus: %w", err)
	}

	if cfg.rpcDataport == "" || cfg.eventDataport == "" {
		slog.Warn("no dataport paths given, running the guest with only the local console device")
		return vm.Run(ctx)
	}

	rpcQueue, rpcCleanup, err := mapRPCQueue(cfg.rpcDataport)
	if err != nil {
		return fmt.Errorf("map rpc dataport: %w", err)
	}
	defer rpcCleanup()

	eventQueue, eventCleanup, err := mapEventQueue(cfg.eventDataport)
	if err != nil {
		return fmt.Errorf("map event dataport: %w", err)
	}
	defer eventCleanup()

	proxy := ioproxy.New(rpcQueue, eventQueue, nil)
	chain := dispatch.NewChain(ioproxy.PCIHandlers(bus), proxy.ControlHandler())

	// The pump loop and the guest run loop are independent failure domains:
	// a dispatcher error shouldn't leave the vCPU thread running unsupervised
	// against a backend nobody is draining, and vice versa. errgroup ties
	// their lifetimes together and surfaces whichever one fails first.
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return pumpLoop(groupCtx, proxy, chain) })
	group.Go(func() error { return vm.Run(groupCtx) })

	readyCtx, readyCancel := context.WithTimeout(ctx, 30*time.Second)
	defer readyCancel()
	if err := proxy.WaitDeviceReady(readyCtx); err != nil {
		slog.Warn("device backend did not report ready in time", "err", err)
	} else {
		slog.Info("device backend ready")
	}

	return group.Wait()
}

// fdtRegistrar publishes a placeholder /pci/<prefix>@<slot>,<func> node for
// every backend device as it registers, so a guest device tree generated
// from this session's state reflects the live PCI topology rather than a
// static bus layout baked in ahead of time.
type fdtRegistrar struct {
	gen *fdt.Generator
}

func (r *fdtRegistrar) AddDevice(dev *pciproxy.Device) error {
	devfn := dev.GuestSlot << 3
	if err := r.gen.GeneratePCIDevFnNode("virtio", devfn); err != nil {
		return fmt.Errorf("vmproxy: publish pci node for slot %d: %w", dev.GuestSlot, err)
	}
	slog.Info("pci device registered", "backend_slot", dev.BackendSlot, "guest_slot", dev.GuestSlot)
	return nil
}

// pumpLoop drains the backend's queues until the dispatcher reports a
// terminal error or ctx is cancelled. An unknown opcode or a handler error
// is a protocol violation, not a transient condition, so it ends the loop
// rather than being logged and retried.
func pumpLoop(ctx context.Context, proxy *ioproxy.Proxy, chain *dispatch.Chain) error {
	backoff := time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := proxy.Pump(chain); err != nil {
			return fmt.Errorf("pump backend messages: %w", err)
		}

		time.Sleep(backoff)
		if backoff < 2*time.Millisecond {
			backoff *= 2
		}
	}
}

func loadKernelImage(vm *kvm.VirtualMachine, path string, loadOffset uint64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	bar := progressbar.DefaultBytes(info.Size(), "loading kernel image")
	defer bar.Close()

	mem := vm.Memory()
	buf := make([]byte, 1<<20)
	var off int64
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			if _, werr := mem.WriteAt(buf[:n], int64(loadOffset)+off); werr != nil {
				return fmt.Errorf("write guest memory at 0x%x: %w", loadOffset+uint64(off), werr)
			}
			off += int64(n)
			bar.Add(n)
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// enableRawConsole puts the host terminal into raw mode when stdout is a
// real terminal, so the guest's console output isn't mangled by local line
// discipline (echo, CR/LF translation) the way a real serial console
// wouldn't be. It is a no-op, returning a no-op restorer, when stdout isn't
// a terminal (piped output, a log file, CI).
func enableRawConsole() func() {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return func() {}
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return func() {}
	}
	return func() { term.Restore(fd, state) }
}

func mapDataport(path string, size uintptr) ([]byte, func(), error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return mem, func() { unix.Munmap(mem) }, nil
}

func mapRPCQueue(path string) (*rpcmsg.RPCQueue, func(), error) {
	size := unsafe.Sizeof(rpcmsg.Buffer{}) + unsafe.Sizeof(rpcmsg.Queue{})
	mem, cleanup, err := mapDataport(path, size)
	if err != nil {
		return nil, nil, err
	}

	buf := (*rpcmsg.Buffer)(unsafe.Pointer(&mem[0]))
	q := (*rpcmsg.Queue)(unsafe.Pointer(&mem[unsafe.Sizeof(rpcmsg.Buffer{})]))
	return &rpcmsg.RPCQueue{Buffer: buf, Queue: q}, cleanup, nil
}

func mapEventQueue(path string) (*rpcmsg.EventQueue, func(), error) {
	size := unsafe.Sizeof(rpcmsg.Buffer{}) + unsafe.Sizeof(rpcmsg.Queue{})
	mem, cleanup, err := mapDataport(path, size)
	if err != nil {
		return nil, nil, err
	}

	buf := (*rpcmsg.Buffer)(unsafe.Pointer(&mem[0]))
	q := (*rpcmsg.Queue)(unsafe.Pointer(&mem[unsafe.Sizeof(rpcmsg.Buffer{})]))
	return &rpcmsg.EventQueue{Buffer: buf, Queue: q}, cleanup, nil
}
