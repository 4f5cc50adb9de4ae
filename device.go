package usb

import (
	"sync"
)

// maxConfigurations is the USB-spec ceiling on bNumConfigurations; devices
// reporting 0 or more than this are broken and never published.
const maxConfigurations = 8

// Device represents a USB device seen on a bus. Devices are reference
// counted: enumeration and Open take references, Unref releases them, and
// the final release removes the device from the registry and destroys its
// backend state.
type Device struct {
	ctx *Context

	bus       uint8
	address   uint8
	sessionID uint64

	descriptor DeviceDescriptor

	refMu sync.Mutex
	refs  int

	os any
}

// allocDevice creates a device with one reference and publishes it in the
// registry under the backend-assigned session ID.
func (c *Context) allocDevice(sessionID uint64) *Device {
	d := &Device{
		ctx:       c,
		sessionID: sessionID,
		refs:      1,
	}
	c.devMu.Lock()
	c.devices[sessionID] = d
	c.devMu.Unlock()
	return d
}

// deviceBySessionID returns the registered device for a session ID without
// taking a reference; the caller refs it if the device is kept.
func (c *Context) deviceBySessionID(sessionID uint64) *Device {
	c.devMu.Lock()
	defer c.devMu.Unlock()
	return c.devices[sessionID]
}

// sanitizeDevice reads and validates the device descriptor. Backends call
// it on every freshly allocated device before publishing it to users.
func (c *Context) sanitizeDevice(d *Device) error {
	raw, err := c.backend.DeviceDescriptor(d)
	if err != nil {
		return err
	}
	desc, err := ParseDeviceDescriptor(raw)
	if err != nil {
		return err
	}
	if desc.NumConfigurations == 0 || desc.NumConfigurations > maxConfigurations {
		c.warnf("device %03d.%03d reports %d configurations, rejecting",
			d.bus, d.address, desc.NumConfigurations)
		return ErrIO
	}
	d.descriptor = desc
	return nil
}

// Ref takes a reference and returns the device for chaining.
func (d *Device) Ref() *Device {
	d.refMu.Lock()
	d.refs++
	d.refMu.Unlock()
	return d
}

// Unref releases one reference. On the final release the device is
// removed from the registry and its backend state destroyed.
func (d *Device) Unref() {
	d.refMu.Lock()
	d.refs--
	last := d.refs == 0
	d.refMu.Unlock()
	if !last {
		return
	}

	d.ctx.devMu.Lock()
	if d.ctx.devices[d.sessionID] == d {
		delete(d.ctx.devices, d.sessionID)
	}
	d.ctx.devMu.Unlock()

	d.ctx.backend.DestroyDevice(d)
}

func (d *Device) BusNumber() uint8 { return d.bus }
func (d *Device) Address() uint8 { return d.address }
func (d *Device) SessionID() uint64 { return d.sessionID }
func (d *Device) Descriptor() DeviceDescriptor { return d.descriptor }

// DeviceList enumerates the devices currently visible to the backend.
// Every entry carries one reference owned by the caller; release them with
// FreeDeviceList or per-device Unref.
func (c *Context) DeviceList() ([]*Device, error) {
	discovered, err := c.backend.DeviceList(c)
	if err != nil {
		return nil, err
	}

	list := make([]*Device, 0, len(discovered))
	for _, d := range discovered {
		list = append(list, d.Ref())
	}
	// Release the discovery vector's own references.
	for _, d := range discovered {
		d.Unref()
	}
	return list, nil
}

// FreeDeviceList releases a list returned by DeviceList, dropping one
// reference per entry when unref is set.
func FreeDeviceList(list []*Device, unref bool) {
	if !unref {
		return
	}
	for _, d := range list {
		d.Unref()
	}
}

// ActiveConfigDescriptor reads and parses the descriptor block of the
// configuration the device currently uses.
func (d *Device) ActiveConfigDescriptor() (*ConfigDescriptor, error) {
	raw, err := d.ctx.backend.ActiveConfigDescriptor(d)
	if err != nil {
		return nil, err
	}
	cfg := &ConfigDescriptor{}
	if err := cfg.Unmarshal(raw); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MaxPacketSize reports wMaxPacketSize of an endpoint in the active
// configuration.
func (d *Device) MaxPacketSize(endpoint uint8) (int, error) {
	cfg, err := d.ActiveConfigDescriptor()
	if err != nil {
		return 0, err
	}
	ep := cfg.FindEndpoint(endpoint)
	if ep == nil {
		return 0, ErrNotFound
	}
	return int(ep.MaxPacketSize & 0x7ff), nil
}

// MaxIsoPacketSize reports the bytes an isochronous endpoint can move per
// microframe, accounting for the high-bandwidth multiplier bits.
func (d *Device) MaxIsoPacketSize(endpoint uint8) (int, error) {
	cfg, err := d.ActiveConfigDescriptor()
	if err != nil {
		return 0, err
	}
	ep := cfg.FindEndpoint(endpoint)
	if ep == nil {
		return 0, ErrNotFound
	}
	size := int(ep.MaxPacketSize & 0x7ff)
	if ep.TransferType() == TransferTypeIsochronous {
		size *= 1 + int((ep.MaxPacketSize>>11)&3)
	}
	return size, nil
}

// OpenDeviceWithVIDPID enumerates, opens the first device matching the
// vendor/product pair and releases the rest. Convenience for simple tools;
// applications wanting a specific device among duplicates should walk
// DeviceList themselves.
func (c *Context) OpenDeviceWithVIDPID(vendorID, productID uint16) (*DeviceHandle, error) {
	list, err := c.DeviceList()
	if err != nil {
		return nil, err
	}
	defer FreeDeviceList(list, true)

	for _, d := range list {
		if d.descriptor.VendorID == vendorID && d.descriptor.ProductID == productID {
			return d.Open()
		}
	}
	return nil, ErrNotFound
}
