package usb

import (
	"time"
	"unicode/utf16"
)

const langIDEnglishUS = 0x0409

// StringDescriptor reads a raw string descriptor in the given language.
func (h *DeviceHandle) StringDescriptor(index uint8, langID uint16) ([]byte, error) {
	buf := make([]byte, 255)
	n, err := h.ControlTransfer(0x80, requestGetDescriptor,
		uint16(DescriptorTypeString)<<8|uint16(index), langID, buf, time.Second)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// StringDescriptorASCII reads a string descriptor in the first language
// the device reports and decodes its UTF-16LE payload.
func (h *DeviceHandle) StringDescriptorASCII(index uint8) (string, error) {
	if index == 0 {
		return "", ErrInvalidParam
	}

	langID := uint16(langIDEnglishUS)
	if langs, err := h.StringDescriptor(0, 0); err == nil && len(langs) >= 4 {
		langID = uint16(langs[2]) | uint16(langs[3])<<8
	}

	raw, err := h.StringDescriptor(index, langID)
	if err != nil {
		return "", err
	}
	if len(raw) < 2 || raw[1] != DescriptorTypeString {
		return "", ErrIO
	}

	length := int(raw[0])
	if length > len(raw) {
		length = len(raw)
	}
	units := make([]uint16, 0, (length-2)/2)
	for i := 2; i+1 < length; i += 2 {
		units = append(units, uint16(raw[i])|uint16(raw[i+1])<<8)
	}
	return string(utf16.Decode(units)), nil
}

const requestGetDescriptor = 0x06
