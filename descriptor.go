package usb

import (
	"encoding/binary"
	"fmt"
)

// Descriptor types.
const (
	DescriptorTypeDevice               = 0x01
	DescriptorTypeConfig               = 0x02
	DescriptorTypeString               = 0x03
	DescriptorTypeInterface            = 0x04
	DescriptorTypeEndpoint             = 0x05
	DescriptorTypeInterfaceAssociation = 0x0b
	DescriptorTypeBOS                  = 0x0f
	DescriptorTypeSSEndpointCompanion  = 0x30
)

// DeviceDescriptorSize is the wire size of the first-level device
// descriptor.
const DeviceDescriptorSize = 18

// DeviceDescriptor is the parsed first-level device descriptor.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// ParseDeviceDescriptor decodes the raw 18-byte descriptor block, which is
// little-endian on the wire.
func ParseDeviceDescriptor(raw []byte) (DeviceDescriptor, error) {
	if len(raw) < DeviceDescriptorSize {
		return DeviceDescriptor{}, fmt.Errorf("device descriptor too short: %d bytes: %w", len(raw), ErrIO)
	}
	return DeviceDescriptor{
		Length:            raw[0],
		DescriptorType:    raw[1],
		USBVersion:        binary.LittleEndian.Uint16(raw[2:4]),
		DeviceClass:       raw[4],
		DeviceSubClass:    raw[5],
		DeviceProtocol:    raw[6],
		MaxPacketSize0:    raw[7],
		VendorID:          binary.LittleEndian.Uint16(raw[8:10]),
		ProductID:         binary.LittleEndian.Uint16(raw[10:12]),
		DeviceVersion:     binary.LittleEndian.Uint16(raw[12:14]),
		ManufacturerIndex: raw[14],
		ProductIndex:      raw[15],
		SerialNumberIndex: raw[16],
		NumConfigurations: raw[17],
	}, nil
}

// ConfigDescriptor is a parsed configuration descriptor with its interface
// and endpoint tree.
type ConfigDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8

	Interfaces []Interface

	// Extra holds class-specific descriptors attached at config level.
	Extra []byte
}

// Interface groups the alternate settings of one interface number.
type Interface struct {
	AltSettings []InterfaceAltSetting
}

// InterfaceAltSetting is one alternate setting of an interface, with its
// endpoints.
type InterfaceAltSetting struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8

	Endpoints []Endpoint
	Extra     []byte
}

// Endpoint is a parsed endpoint descriptor.
type Endpoint struct {
	Length         uint8
	DescriptorType uint8
	EndpointAddr   uint8
	Attributes     uint8
	MaxPacketSize  uint16
	Interval       uint8

	Extra []byte
}

// Unmarshal parses a raw configuration descriptor block, walking the
// interface and endpoint sub-descriptors and preserving class-specific
// descriptors in the nearest Extra field.
func (c *ConfigDescriptor) Unmarshal(data []byte) error {
	if len(data) < 9 {
		return fmt.Errorf("config descriptor too short: %d bytes: %w", len(data), ErrIO)
	}

	c.Length = data[0]
	c.DescriptorType = data[1]
	c.TotalLength = binary.LittleEndian.Uint16(data[2:4])
	c.NumInterfaces = data[4]
	c.ConfigurationValue = data[5]
	c.ConfigurationIndex = data[6]
	c.Attributes = data[7]
	c.MaxPower = data[8]

	byNumber := make(map[uint8]int) // interface number -> index in c.Interfaces
	var cur *InterfaceAltSetting

	flush := func() {
		if cur == nil {
			return
		}
		idx, ok := byNumber[cur.InterfaceNumber]
		if !ok {
			idx = len(c.Interfaces)
			byNumber[cur.InterfaceNumber] = idx
			c.Interfaces = append(c.Interfaces, Interface{})
		}
		c.Interfaces[idx].AltSettings = append(c.Interfaces[idx].AltSettings, *cur)
		cur = nil
	}

	pos := int(c.Length)
	for pos+2 <= len(data) {
		length := int(data[pos])
		descType := data[pos+1]
		if length < 2 || pos+length > len(data) {
			break
		}
		block := data[pos : pos+length]

		switch descType {
		case DescriptorTypeInterface:
			if length < 9 {
				return fmt.Errorf("interface descriptor too short: %d bytes: %w", length, ErrIO)
			}
			flush()
			cur = &InterfaceAltSetting{
				Length:            block[0],
				DescriptorType:    block[1],
				InterfaceNumber:   block[2],
				AlternateSetting:  block[3],
				NumEndpoints:      block[4],
				InterfaceClass:    block[5],
				InterfaceSubClass: block[6],
				InterfaceProtocol: block[7],
				InterfaceIndex:    block[8],
			}

		case DescriptorTypeEndpoint:
			if cur == nil {
				c.Extra = append(c.Extra, block...)
				break
			}
			if length < 7 {
				return fmt.Errorf("endpoint descriptor too short: %d bytes: %w", length, ErrIO)
			}
			cur.Endpoints = append(cur.Endpoints, Endpoint{
				Length:         block[0],
				DescriptorType: block[1],
				EndpointAddr:   block[2],
				Attributes:     block[3],
				MaxPacketSize:  binary.LittleEndian.Uint16(block[4:6]),
				Interval:       block[6],
			})

		default:
			// Class-specific or unknown descriptor. Companion
			// descriptors trailing an endpoint belong to it.
			switch {
			case cur != nil && len(cur.Endpoints) > 0:
				ep := &cur.Endpoints[len(cur.Endpoints)-1]
				ep.Extra = append(ep.Extra, block...)
			case cur != nil:
				cur.Extra = append(cur.Extra, block...)
			default:
				c.Extra = append(c.Extra, block...)
			}
		}

		pos += length
	}
	flush()

	return nil
}

// FindInterface returns the interface with the given number, or nil.
func (c *ConfigDescriptor) FindInterface(number uint8) *Interface {
	for i := range c.Interfaces {
		alts := c.Interfaces[i].AltSettings
		if len(alts) > 0 && alts[0].InterfaceNumber == number {
			return &c.Interfaces[i]
		}
	}
	return nil
}

// FindEndpoint locates an endpoint by address across all interfaces and
// alternate settings.
func (c *ConfigDescriptor) FindEndpoint(address uint8) *Endpoint {
	for i := range c.Interfaces {
		for j := range c.Interfaces[i].AltSettings {
			alt := &c.Interfaces[i].AltSettings[j]
			for k := range alt.Endpoints {
				if alt.Endpoints[k].EndpointAddr == address {
					return &alt.Endpoints[k]
				}
			}
		}
	}
	return nil
}

// IsInput reports whether this is an IN endpoint.
func (e *Endpoint) IsInput() bool { return e.EndpointAddr&0x80 != 0 }

// Number returns the endpoint number without the direction bit.
func (e *Endpoint) Number() uint8 { return e.EndpointAddr & 0x0f }

// TransferType returns the transfer type encoded in the attributes.
func (e *Endpoint) TransferType() TransferType {
	return TransferType(e.Attributes & 0x03)
}
