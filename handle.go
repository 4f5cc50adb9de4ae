package usb

import "sync"

// maxInterfaces bounds the claimed-interface bitmap, one bit per
// interface number.
const maxInterfaces = 32

// DeviceHandle is an open session on a device. It holds references on its
// Device for as long as it is open and tracks which interfaces the caller
// has claimed.
type DeviceHandle struct {
	dev *Device

	mu      sync.Mutex
	claimed uint32
	closed  bool

	os any
}

// Open opens a session on the device. The handle keeps the device alive
// until Close.
func (d *Device) Open() (*DeviceHandle, error) {
	h := &DeviceHandle{dev: d}
	d.Ref() // the handle's strong reference
	d.Ref() // held for the duration of the open session

	if err := d.ctx.backend.Open(h); err != nil {
		d.Unref()
		d.Unref()
		return nil, err
	}

	d.ctx.handleMu.Lock()
	d.ctx.handles[h] = struct{}{}
	d.ctx.handleMu.Unlock()

	d.ctx.dbgf("opened device %03d.%03d", d.bus, d.address)
	return h, nil
}

// Close ends the session and releases the handle's device references.
// Closing twice is harmless.
func (h *DeviceHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	ctx := h.dev.ctx
	ctx.handleMu.Lock()
	delete(ctx.handles, h)
	ctx.handleMu.Unlock()

	ctx.backend.Close(h)
	h.dev.Unref()
	h.dev.Unref()
	return nil
}

// Device returns the device this handle is open on, without taking a
// reference.
func (h *DeviceHandle) Device() *Device { return h.dev }

// ClaimInterface asserts exclusive userspace ownership of an interface.
// Claiming an interface the handle already holds succeeds without a
// backend round-trip.
func (h *DeviceHandle) ClaimInterface(number int) error {
	if number < 0 || number >= maxInterfaces {
		return ErrInvalidParam
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrNoDevice
	}
	if h.claimed&(1<<uint(number)) != 0 {
		return nil
	}
	if err := h.dev.ctx.backend.ClaimInterface(h, number); err != nil {
		return err
	}
	h.claimed |= 1 << uint(number)
	return nil
}

// ReleaseInterface gives up a previously claimed interface.
func (h *DeviceHandle) ReleaseInterface(number int) error {
	if number < 0 || number >= maxInterfaces {
		return ErrInvalidParam
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrNoDevice
	}
	if h.claimed&(1<<uint(number)) == 0 {
		return ErrNotFound
	}
	if err := h.dev.ctx.backend.ReleaseInterface(h, number); err != nil {
		return err
	}
	h.claimed &^= 1 << uint(number)
	return nil
}

// SetInterfaceAltSetting activates an alternate setting on a claimed
// interface.
func (h *DeviceHandle) SetInterfaceAltSetting(number, alt int) error {
	if number < 0 || number >= maxInterfaces {
		return ErrInvalidParam
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrNoDevice
	}
	if h.claimed&(1<<uint(number)) == 0 {
		return ErrNotFound
	}
	return h.dev.ctx.backend.SetInterfaceAltSetting(h, number, alt)
}

// SetConfiguration selects the active configuration by bConfigurationValue;
// -1 puts the device in the unconfigured state.
func (h *DeviceHandle) SetConfiguration(value int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrNoDevice
	}
	return h.dev.ctx.backend.SetConfiguration(h, value)
}

// ClearHalt clears a halt/stall condition on an endpoint.
func (h *DeviceHandle) ClearHalt(endpoint uint8) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrNoDevice
	}
	return h.dev.ctx.backend.ClearHalt(h, endpoint)
}

// ResetDevice performs a USB port reset. The claimed-interface state is
// lost with the reset.
func (h *DeviceHandle) ResetDevice() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrNoDevice
	}
	if err := h.dev.ctx.backend.ResetDevice(h); err != nil {
		return err
	}
	h.claimed = 0
	return nil
}

// KernelDriverActive reports whether a kernel driver is bound to the
// interface. ErrNotSupported if the backend cannot tell.
func (h *DeviceHandle) KernelDriverActive(number int) (bool, error) {
	if number < 0 || number >= maxInterfaces {
		return false, ErrInvalidParam
	}
	kd, ok := h.dev.ctx.backend.(kernelDriverBackend)
	if !ok {
		return false, ErrNotSupported
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false, ErrNoDevice
	}
	return kd.KernelDriverActive(h, number)
}

// DetachKernelDriver unbinds the kernel driver from the interface so it
// can be claimed from userspace. ErrNotSupported if the backend cannot.
func (h *DeviceHandle) DetachKernelDriver(number int) error {
	if number < 0 || number >= maxInterfaces {
		return ErrInvalidParam
	}
	kd, ok := h.dev.ctx.backend.(kernelDriverBackend)
	if !ok {
		return ErrNotSupported
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrNoDevice
	}
	return kd.DetachKernelDriver(h, number)
}
