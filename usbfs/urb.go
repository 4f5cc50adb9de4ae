package usbfs

import "unsafe"

// AllocURB builds a URB with numPackets trailing isochronous packet
// descriptors, returning the URB pointer and the backing storage that
// must be kept alive until the URB is reaped.
func AllocURB(numPackets int) (*URB, []byte) {
	size := unsafe.Sizeof(URB{}) + uintptr(numPackets)*unsafe.Sizeof(IsoPacketDesc{})
	backing := make([]byte, size)
	u := (*URB)(unsafe.Pointer(&backing[0]))
	u.NumberOfPackets = int32(numPackets)
	return u, backing
}

// IsoDescs returns the packet descriptor slice trailing an isochronous
// URB allocated by AllocURB.
func (u *URB) IsoDescs() []IsoPacketDesc {
	n := int(u.NumberOfPackets)
	if n <= 0 {
		return nil
	}
	base := unsafe.Pointer(uintptr(unsafe.Pointer(u)) + unsafe.Sizeof(URB{}))
	return unsafe.Slice((*IsoPacketDesc)(base), n)
}

// SetBuffer points the URB at a data buffer. The caller keeps the buffer
// alive until the URB is reaped.
func (u *URB) SetBuffer(data []byte) {
	if len(data) > 0 {
		u.Buffer = uintptr(unsafe.Pointer(&data[0]))
	} else {
		u.Buffer = 0
	}
	u.BufferLength = int32(len(data))
}
