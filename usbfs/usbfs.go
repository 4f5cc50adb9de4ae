package usbfs

import (
	"fmt"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DevicePath returns the devnode for a bus/address pair.
func DevicePath(bus, address uint8) string {
	return fmt.Sprintf("%s/%03d/%03d", DevPath, bus, address)
}

func ioctlPtr(fd int, op uintptr, arg unsafe.Pointer) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), op, uintptr(arg))
	if errno != 0 {
		return int(r), errno
	}
	return int(r), nil
}

// Control issues a synchronous control request through the usbfs blocking
// path. timeout is in milliseconds.
func Control(fd int, requestType, request uint8, value, index uint16, data []byte, timeout uint32) (int, error) {
	req := ctrlTransfer{
		RequestType: requestType,
		Request:     request,
		Value:       value,
		Index:       index,
		Length:      uint16(len(data)),
		Timeout:     timeout,
	}
	if len(data) > 0 {
		req.Data = uintptr(unsafe.Pointer(&data[0]))
	}
	return ioctlPtr(fd, uintptr(ctlControl), unsafe.Pointer(&req))
}

// Bulk issues a synchronous bulk transfer through the usbfs blocking path.
func Bulk(fd int, endpoint uint8, data []byte, timeout uint32) (int, error) {
	req := bulkTransfer{
		Endpoint: uint32(endpoint),
		Length:   uint32(len(data)),
		Timeout:  timeout,
	}
	if len(data) > 0 {
		req.Data = uintptr(unsafe.Pointer(&data[0]))
	}
	return ioctlPtr(fd, uintptr(ctlBulk), unsafe.Pointer(&req))
}

func SetConfiguration(fd int, value int) error {
	v := uint32(value)
	_, err := ioctlPtr(fd, uintptr(ctlSetConfiguration), unsafe.Pointer(&v))
	return err
}

func ClaimInterface(fd int, number int) error {
	n := uint32(number)
	_, err := ioctlPtr(fd, uintptr(ctlClaimInterface), unsafe.Pointer(&n))
	return err
}

func ReleaseInterface(fd int, number int) error {
	n := uint32(number)
	_, err := ioctlPtr(fd, uintptr(ctlReleaseInterface), unsafe.Pointer(&n))
	return err
}

func SetInterface(fd int, number, alt int) error {
	req := setInterface{Interface: uint32(number), AltSetting: uint32(alt)}
	_, err := ioctlPtr(fd, uintptr(ctlSetInterface), unsafe.Pointer(&req))
	return err
}

func ClearHalt(fd int, endpoint uint8) error {
	ep := uint32(endpoint)
	_, err := ioctlPtr(fd, uintptr(ctlClearHalt), unsafe.Pointer(&ep))
	return err
}

func Reset(fd int) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(ctlReset), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// Driver returns the name of the kernel driver bound to an interface;
// unix.ENODATA when none is bound.
func Driver(fd int, number int) (string, error) {
	req := getDriver{Interface: uint32(number)}
	if _, err := ioctlPtr(fd, uintptr(ctlGetDriver), unsafe.Pointer(&req)); err != nil {
		return "", err
	}
	name := string(req.Driver[:])
	if i := strings.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return name, nil
}

// Disconnect unbinds the kernel driver from an interface via the nested
// usbfs ioctl.
func Disconnect(fd int, number int) error {
	req := usbIoctl{
		Interface: int32(number),
		IoctlCode: int32(ctlDisconnect),
	}
	_, err := ioctlPtr(fd, uintptr(ctlIoctl), unsafe.Pointer(&req))
	return err
}

// Connect rebinds the kernel driver to an interface.
func Connect(fd int, number int) error {
	req := usbIoctl{
		Interface: int32(number),
		IoctlCode: int32(ctlConnect),
	}
	_, err := ioctlPtr(fd, uintptr(ctlIoctl), unsafe.Pointer(&req))
	return err
}

// DisconnectClaim atomically detaches the bound driver and claims the
// interface.
func DisconnectClaim(fd int, number int, flags uint32, driver string) error {
	req := disconnectClaim{Interface: uint32(number), Flags: flags}
	copy(req.Driver[:maxDriverName], driver)
	_, err := ioctlPtr(fd, uintptr(ctlDisconnectClaim), unsafe.Pointer(&req))
	return err
}

// GetCapabilities reports the usbfs capability bits; old kernels without
// the ioctl report none.
func GetCapabilities(fd int) (Capability, error) {
	var caps uint32
	if _, err := ioctlPtr(fd, uintptr(ctlGetCapabilities), unsafe.Pointer(&caps)); err != nil {
		return 0, err
	}
	return Capability(caps), nil
}

// SubmitURB hands a URB to the kernel. The URB and its buffer must stay
// reachable until the URB is reaped.
func SubmitURB(fd int, u *URB) error {
	_, err := ioctlPtr(fd, uintptr(ctlSubmitURB), unsafe.Pointer(u))
	return err
}

// DiscardURB asks the kernel to cancel a submitted URB. The URB is still
// delivered through reaping, with -ENOENT status.
func DiscardURB(fd int, u *URB) error {
	_, err := ioctlPtr(fd, uintptr(ctlDiscardURB), unsafe.Pointer(u))
	return err
}

// ReapURBNoDelay pops one completed URB without blocking, returning
// unix.EAGAIN when none is ready.
func ReapURBNoDelay(fd int) (*URB, error) {
	var u *URB
	if _, err := ioctlPtr(fd, uintptr(ctlReapURBNoDelay), unsafe.Pointer(&u)); err != nil {
		return nil, err
	}
	return u, nil
}
