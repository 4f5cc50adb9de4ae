//go:build linux

package usb

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/driverkit/usb/usbfs"
)

const sysfsDevices = "/sys/bus/usb/devices"

// usbfsBackend drives USB I/O through the Linux USB device filesystem:
// sysfs for enumeration and descriptors, /dev/bus/usb device nodes with
// URB submit/reap for transfers. Completed URBs mark the device node
// POLLOUT-ready, which is what the event loop multiplexes on.
type usbfsBackend struct {
	// In-flight URBs and open device nodes. Touched only under the
	// event-loop single-driver contract.
	inflight map[*usbfs.URB]*Transfer
	byFD     map[int]*DeviceHandle
}

func newDefaultBackend() Backend { return &usbfsBackend{} }

type linuxDevice struct {
	sysfsName string
	devnode   string
}

type linuxHandle struct {
	fd   int
	caps usbfs.Capability
}

type linuxTransfer struct {
	urb     *usbfs.URB
	backing []byte
}

func (b *usbfsBackend) Init(ctx *Context) error {
	b.inflight = make(map[*usbfs.URB]*Transfer)
	b.byFD = make(map[int]*DeviceHandle)
	if _, err := os.Stat(usbfs.DevPath); err != nil {
		ctx.warnf("%s not present, enumeration will find nothing", usbfs.DevPath)
	}
	return nil
}

func (b *usbfsBackend) Exit(*Context) {}

func (b *usbfsBackend) DeviceList(ctx *Context) ([]*Device, error) {
	entries, err := os.ReadDir(sysfsDevices)
	if err != nil {
		return nil, errnoFromOS(err)
	}

	var discovered []*Device
	for _, entry := range entries {
		name := entry.Name()
		// Interface nodes carry a colon; everything else that has a
		// busnum attribute is a device or root hub.
		if strings.Contains(name, ":") {
			continue
		}
		bus, err := readSysfsUint(filepath.Join(sysfsDevices, name, "busnum"), 10, 8)
		if err != nil {
			continue
		}
		addr, err := readSysfsUint(filepath.Join(sysfsDevices, name, "devnum"), 10, 8)
		if err != nil {
			continue
		}

		session := uint64(bus)<<8 | uint64(addr)
		if d := ctx.deviceBySessionID(session); d != nil {
			discovered = append(discovered, d.Ref())
			continue
		}

		d := ctx.allocDevice(session)
		d.bus = uint8(bus)
		d.address = uint8(addr)
		d.os = &linuxDevice{
			sysfsName: name,
			devnode:   usbfs.DevicePath(uint8(bus), uint8(addr)),
		}
		if err := ctx.sanitizeDevice(d); err != nil {
			ctx.dbgf("skipping device %s: %v", name, err)
			d.Unref()
			continue
		}
		discovered = append(discovered, d)
	}
	return discovered, nil
}

// rawDescriptors returns the concatenated device and configuration
// descriptors the kernel exposes in sysfs, no device open required.
func (b *usbfsBackend) rawDescriptors(d *Device) ([]byte, error) {
	priv := d.os.(*linuxDevice)
	raw, err := os.ReadFile(filepath.Join(sysfsDevices, priv.sysfsName, "descriptors"))
	if err != nil {
		return nil, errnoFromOS(err)
	}
	if len(raw) < DeviceDescriptorSize {
		return nil, ErrIO
	}
	return raw, nil
}

func (b *usbfsBackend) DeviceDescriptor(d *Device) ([]byte, error) {
	raw, err := b.rawDescriptors(d)
	if err != nil {
		return nil, err
	}
	return raw[:DeviceDescriptorSize], nil
}

func (b *usbfsBackend) ActiveConfigDescriptor(d *Device) ([]byte, error) {
	raw, err := b.rawDescriptors(d)
	if err != nil {
		return nil, err
	}

	priv := d.os.(*linuxDevice)
	active, err := readSysfsUint(filepath.Join(sysfsDevices, priv.sysfsName, "bConfigurationValue"), 10, 8)
	if err != nil {
		active = 0 // unconfigured or unreadable, fall back to the first config
	}

	configs := raw[DeviceDescriptorSize:]
	pos := 0
	for pos+9 <= len(configs) {
		if configs[pos+1] != DescriptorTypeConfig {
			return nil, ErrIO
		}
		total := int(uint16(configs[pos+2]) | uint16(configs[pos+3])<<8)
		if total < 9 || pos+total > len(configs) {
			return nil, ErrIO
		}
		if active == 0 || uint64(configs[pos+5]) == active {
			return configs[pos : pos+total], nil
		}
		pos += total
	}
	return nil, ErrNotFound
}

func (b *usbfsBackend) Open(h *DeviceHandle) error {
	priv := h.dev.os.(*linuxDevice)
	fd, err := unix.Open(priv.devnode, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return mapErrno(err)
	}

	caps, err := usbfs.GetCapabilities(fd)
	if err != nil {
		caps = 0 // pre-3.15 kernel
	}
	h.os = &linuxHandle{fd: fd, caps: caps}
	b.byFD[fd] = h

	h.dev.ctx.addPollFD(fd, unix.POLLOUT)
	return nil
}

func (b *usbfsBackend) Close(h *DeviceHandle) {
	priv := h.os.(*linuxHandle)
	ctx := h.dev.ctx

	// Anything still in flight on this node can no longer be reaped
	// once the fd is gone; report it as device-lost.
	for urb, t := range b.inflight {
		if t.handle == h {
			delete(b.inflight, urb)
			ctx.handleTransferCompletion(t, TransferNoDevice)
		}
	}

	ctx.removePollFD(priv.fd)
	delete(b.byFD, priv.fd)
	unix.Close(priv.fd)
}

func (b *usbfsBackend) SetConfiguration(h *DeviceHandle, value int) error {
	return mapErrno(usbfs.SetConfiguration(h.os.(*linuxHandle).fd, value))
}

func (b *usbfsBackend) ClaimInterface(h *DeviceHandle, number int) error {
	return mapErrno(usbfs.ClaimInterface(h.os.(*linuxHandle).fd, number))
}

func (b *usbfsBackend) ReleaseInterface(h *DeviceHandle, number int) error {
	return mapErrno(usbfs.ReleaseInterface(h.os.(*linuxHandle).fd, number))
}

func (b *usbfsBackend) SetInterfaceAltSetting(h *DeviceHandle, number, alt int) error {
	return mapErrno(usbfs.SetInterface(h.os.(*linuxHandle).fd, number, alt))
}

func (b *usbfsBackend) ClearHalt(h *DeviceHandle, endpoint uint8) error {
	return mapErrno(usbfs.ClearHalt(h.os.(*linuxHandle).fd, endpoint))
}

func (b *usbfsBackend) ResetDevice(h *DeviceHandle) error {
	return mapErrno(usbfs.Reset(h.os.(*linuxHandle).fd))
}

func (b *usbfsBackend) KernelDriverActive(h *DeviceHandle, number int) (bool, error) {
	driver, err := usbfs.Driver(h.os.(*linuxHandle).fd, number)
	if err == unix.ENODATA {
		return false, nil
	}
	if err != nil {
		return false, mapErrno(err)
	}
	return driver != "usbfs", nil
}

func (b *usbfsBackend) DetachKernelDriver(h *DeviceHandle, number int) error {
	err := usbfs.Disconnect(h.os.(*linuxHandle).fd, number)
	if err == unix.ENODATA {
		return ErrNotFound
	}
	return mapErrno(err)
}

func (b *usbfsBackend) SubmitTransfer(t *Transfer) error {
	hpriv := t.handle.os.(*linuxHandle)

	numPackets := 0
	if t.transferType == TransferTypeIsochronous {
		numPackets = len(t.isoPackets)
	}
	urb, backing := usbfs.AllocURB(numPackets)
	urb.Endpoint = t.endpoint
	urb.SetBuffer(t.buffer)

	switch t.transferType {
	case TransferTypeControl:
		urb.Type = usbfs.URBTypeControl
		urb.Endpoint = 0
	case TransferTypeBulk:
		urb.Type = usbfs.URBTypeBulk
	case TransferTypeInterrupt:
		urb.Type = usbfs.URBTypeInterrupt
	case TransferTypeIsochronous:
		urb.Type = usbfs.URBTypeIso
		urb.Flags |= usbfs.URBIsoASAP
		urb.StartFrame = -1
		descs := urb.IsoDescs()
		for i, pkt := range t.isoPackets {
			descs[i].Length = uint32(pkt.Length)
		}
	default:
		return ErrInvalidParam
	}

	if t.flags&FlagShortNotOK != 0 && t.endpoint&0x80 != 0 {
		urb.Flags |= usbfs.URBShortNotOK
	}

	if err := usbfs.SubmitURB(hpriv.fd, urb); err != nil {
		return mapErrno(err)
	}
	t.os = &linuxTransfer{urb: urb, backing: backing}
	b.inflight[urb] = t
	return nil
}

func (b *usbfsBackend) CancelTransfer(t *Transfer) error {
	priv, ok := t.os.(*linuxTransfer)
	if !ok {
		return ErrNotFound
	}
	err := usbfs.DiscardURB(t.handle.os.(*linuxHandle).fd, priv.urb)
	if err == unix.EINVAL {
		// Already completed and reaped; nothing left to cancel.
		return ErrNotFound
	}
	return mapErrno(err)
}

func (b *usbfsBackend) HandleEvents(ctx *Context, ready []ReadyFD) error {
	for _, r := range ready {
		h, ok := b.byFD[r.FD]
		if !ok {
			continue
		}

		if r.Revents&(unix.POLLERR|unix.POLLHUP) != 0 {
			b.handleDisconnect(ctx, h)
			continue
		}
		if r.Revents&unix.POLLOUT == 0 {
			continue
		}
		if err := b.reapAll(ctx, h); err != nil {
			return err
		}
	}
	return nil
}

func (b *usbfsBackend) reapAll(ctx *Context, h *DeviceHandle) error {
	fd := h.os.(*linuxHandle).fd
	for {
		urb, err := usbfs.ReapURBNoDelay(fd)
		if err == unix.EAGAIN {
			return nil
		}
		if err == unix.ENODEV {
			b.handleDisconnect(ctx, h)
			return nil
		}
		if err != nil {
			ctx.errorf("URB reap on fd %d failed: %v", fd, err)
			return mapErrno(err)
		}

		t, ok := b.inflight[urb]
		if !ok {
			ctx.warnf("reaped unknown URB on fd %d", fd)
			continue
		}
		delete(b.inflight, urb)
		b.completeURB(ctx, t, urb)
	}
}

func (b *usbfsBackend) completeURB(ctx *Context, t *Transfer, urb *usbfs.URB) {
	if t.transferType == TransferTypeIsochronous {
		total := 0
		for i, desc := range urb.IsoDescs() {
			t.isoPackets[i].ActualLength = int(desc.ActualLength)
			t.isoPackets[i].Status = isoStatus(desc.Status)
			total += int(desc.ActualLength)
		}
		t.setActualLength(total)
	} else {
		t.setActualLength(int(urb.ActualLength))
	}
	t.os = nil

	switch -urb.Status {
	case 0:
		ctx.handleTransferCompletion(t, TransferCompleted)
	case int32(unix.ENOENT), int32(unix.ECONNRESET):
		// Discarded by us: resolves a user cancel, a timeout cancel
		// or a sync cancel.
		ctx.handleTransferCancellation(t)
	case int32(unix.EPIPE):
		ctx.handleTransferCompletion(t, TransferStall)
	case int32(unix.EOVERFLOW):
		ctx.handleTransferCompletion(t, TransferOverflow)
	case int32(unix.ENODEV), int32(unix.ESHUTDOWN):
		ctx.handleTransferCompletion(t, TransferNoDevice)
	default:
		ctx.dbgf("URB finished with status %d", urb.Status)
		ctx.handleTransferCompletion(t, TransferError)
	}
}

func (b *usbfsBackend) handleDisconnect(ctx *Context, h *DeviceHandle) {
	fd := h.os.(*linuxHandle).fd

	// Newer kernels still hand back discarded URBs after disconnect;
	// drain what we can, then fail the rest.
	if h.os.(*linuxHandle).caps&usbfs.CapReapAfterDisconnect != 0 {
		for {
			urb, err := usbfs.ReapURBNoDelay(fd)
			if err != nil {
				break
			}
			if t, ok := b.inflight[urb]; ok {
				delete(b.inflight, urb)
				b.completeURB(ctx, t, urb)
			}
		}
	}

	for urb, t := range b.inflight {
		if t.handle == h {
			delete(b.inflight, urb)
			t.os = nil
			ctx.handleTransferCompletion(t, TransferNoDevice)
		}
	}
	ctx.removePollFD(fd)
	delete(b.byFD, fd)
}

func (b *usbfsBackend) DestroyDevice(d *Device) {
	d.os = nil
}

func isoStatus(status int32) TransferStatus {
	switch -status {
	case 0:
		return TransferCompleted
	case int32(unix.EPIPE):
		return TransferStall
	case int32(unix.EOVERFLOW):
		return TransferOverflow
	default:
		return TransferError
	}
}

func mapErrno(err error) error {
	if err == nil {
		return nil
	}
	if errno, ok := err.(syscall.Errno); ok {
		return errnoToError(errno)
	}
	return ErrOther
}

func errnoFromOS(err error) error {
	if os.IsNotExist(err) {
		return ErrNoDevice
	}
	if os.IsPermission(err) {
		return ErrAccess
	}
	return ErrIO
}

func readSysfsUint(path string, base, bits int) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), base, bits)
}
