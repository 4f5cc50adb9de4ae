package usbfs

// From /usr/include/linux/usbdevice_fs.h

import (
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"
)

var (
	ctlControl          = ioctl.IOWR('U', 0, unsafe.Sizeof(ctrlTransfer{}))
	ctlBulk             = ioctl.IOWR('U', 2, unsafe.Sizeof(bulkTransfer{}))
	ctlResetEP          = ioctl.IOR('U', 3, unsafe.Sizeof(uint32(0)))
	ctlSetInterface     = ioctl.IOR('U', 4, unsafe.Sizeof(setInterface{}))
	ctlSetConfiguration = ioctl.IOR('U', 5, unsafe.Sizeof(uint32(0)))
	ctlGetDriver        = ioctl.IOW('U', 8, unsafe.Sizeof(getDriver{}))
	ctlSubmitURB        = ioctl.IOR('U', 10, unsafe.Sizeof(URB{}))
	ctlDiscardURB       = ioctl.IO('U', 11)
	ctlReapURB          = ioctl.IOW('U', 12, unsafe.Sizeof(uintptr(0)))
	ctlReapURBNoDelay   = ioctl.IOW('U', 13, unsafe.Sizeof(uintptr(0)))
	ctlClaimInterface   = ioctl.IOR('U', 15, unsafe.Sizeof(uint32(0)))
	ctlReleaseInterface = ioctl.IOR('U', 16, unsafe.Sizeof(uint32(0)))
	ctlIoctl            = ioctl.IOWR('U', 18, unsafe.Sizeof(usbIoctl{}))
	ctlReset            = ioctl.IO('U', 20)
	ctlClearHalt        = ioctl.IOR('U', 21, unsafe.Sizeof(uint32(0)))
	ctlDisconnect       = ioctl.IO('U', 22)
	ctlConnect          = ioctl.IO('U', 23)
	ctlGetCapabilities  = ioctl.IOR('U', 26, unsafe.Sizeof(uint32(0)))
	ctlDisconnectClaim  = ioctl.IOR('U', 27, unsafe.Sizeof(disconnectClaim{}))
	ctlGetSpeed         = ioctl.IO('U', 31)
)

type (
	ctrlTransfer struct {
		RequestType uint8
		Request     uint8
		Value       uint16
		Index       uint16
		Length      uint16
		Timeout     uint32
		Data        uintptr
	}

	bulkTransfer struct {
		Endpoint uint32
		Length   uint32
		Timeout  uint32
		Data     uintptr
	}

	setInterface struct {
		Interface  uint32
		AltSetting uint32
	}

	getDriver struct {
		Interface uint32
		Driver    [maxDriverName + 1]byte
	}

	usbIoctl struct {
		Interface int32
		IoctlCode int32
		Data      uintptr
	}

	disconnectClaim struct {
		Interface uint32
		Flags     uint32
		Driver    [maxDriverName + 1]byte
	}
)

// Flags for disconnectClaim.
const (
	DisconnectClaimIfDriver     = 0x01
	DisconnectClaimExceptDriver = 0x02
)

// IsoPacketDesc mirrors usbdevfs_iso_packet_desc.
type IsoPacketDesc struct {
	Length       uint32
	ActualLength uint32
	Status       int32
}

// URB mirrors usbdevfs_urb. Isochronous packet descriptors follow the
// struct in memory; AllocURB lays them out.
type URB struct {
	Type         uint8
	Endpoint     uint8
	Status       int32
	Flags        uint32
	Buffer       uintptr
	BufferLength int32
	ActualLength int32
	StartFrame   int32
	// NumberOfPackets for isochronous URBs, StreamID for bulk streams.
	NumberOfPackets int32
	ErrorCount      int32
	SigNumber       uint32
	UserContext     uintptr
}
