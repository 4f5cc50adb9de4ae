package usb

import (
	"container/list"
	"encoding/binary"
	"time"
)

// Transfer types, by endpoint attribute encoding.
type TransferType uint8

const (
	TransferTypeControl     TransferType = 0
	TransferTypeIsochronous TransferType = 1
	TransferTypeBulk        TransferType = 2
	TransferTypeInterrupt   TransferType = 3
)

func (t TransferType) String() string {
	switch t {
	case TransferTypeControl:
		return "control"
	case TransferTypeIsochronous:
		return "isochronous"
	case TransferTypeBulk:
		return "bulk"
	case TransferTypeInterrupt:
		return "interrupt"
	}
	return "unknown"
}

type TransferStatus int

const (
	TransferCompleted TransferStatus = iota
	TransferError
	TransferTimedOut
	TransferCancelled
	TransferStall
	TransferNoDevice
	TransferOverflow

	// transferSilentCompletion terminates a transfer without delivering
	// its callback. Never surfaced to users.
	transferSilentCompletion
)

func (s TransferStatus) String() string {
	switch s {
	case TransferCompleted:
		return "completed"
	case TransferError:
		return "error"
	case TransferTimedOut:
		return "timed out"
	case TransferCancelled:
		return "cancelled"
	case TransferStall:
		return "stall"
	case TransferNoDevice:
		return "no device"
	case TransferOverflow:
		return "overflow"
	}
	return "unknown"
}

type TransferFlag uint8

const (
	// FlagShortNotOK reports a completed IN transfer that moved fewer
	// bytes than requested as TransferError.
	FlagShortNotOK TransferFlag = 1 << 0
	// FlagFreeBuffer releases the data buffer when the transfer is freed.
	FlagFreeBuffer TransferFlag = 1 << 1
	// FlagFreeTransfer frees the transfer after its callback has run.
	FlagFreeTransfer TransferFlag = 1 << 2
)

// ControlSetupSize is the length of the setup block that prefixes every
// control transfer buffer.
const ControlSetupSize = 8

// IsoPacket describes one packet of an isochronous transfer.
type IsoPacket struct {
	Length       int
	ActualLength int
	Status       TransferStatus
}

// TransferCallback runs inline on the thread driving the event loop when
// the transfer reaches a terminal state.
type TransferCallback func(*Transfer)

// Transfer describes one asynchronous USB transfer. Fill it with one of
// the Fill helpers, Submit it, and read the outcome from the callback.
//
// The fields below the fill helpers' control are owned by the engine while
// the transfer is in flight; a transfer must not be touched between Submit
// and its callback.
type Transfer struct {
	handle       *DeviceHandle
	endpoint     uint8
	transferType TransferType
	flags        TransferFlag
	buffer       []byte
	timeout      time.Duration
	callback     TransferCallback
	userData     any

	status       TransferStatus
	actualLength int
	isoPackets   []IsoPacket

	// Engine state.
	deadline   time.Time // zero = no deadline
	timedOut   bool
	syncCancel bool
	submitted  bool
	freed      bool
	elem       *list.Element

	os any
}

// NewTransfer allocates a transfer with room for numIsoPackets packet
// descriptors (zero for non-isochronous transfers).
func NewTransfer(numIsoPackets int) *Transfer {
	t := &Transfer{}
	if numIsoPackets > 0 {
		t.isoPackets = make([]IsoPacket, numIsoPackets)
	}
	return t
}

// FillControl populates t as a control transfer. buf must start with the
// 8-byte setup block, normally written by FillControlSetup.
func (t *Transfer) FillControl(h *DeviceHandle, buf []byte, cb TransferCallback, userData any, timeout time.Duration) {
	t.handle = h
	t.endpoint = 0
	t.transferType = TransferTypeControl
	t.buffer = buf
	t.callback = cb
	t.userData = userData
	t.timeout = timeout
}

// FillBulk populates t as a bulk transfer on the given endpoint.
func (t *Transfer) FillBulk(h *DeviceHandle, endpoint uint8, buf []byte, cb TransferCallback, userData any, timeout time.Duration) {
	t.handle = h
	t.endpoint = endpoint
	t.transferType = TransferTypeBulk
	t.buffer = buf
	t.callback = cb
	t.userData = userData
	t.timeout = timeout
}

// FillInterrupt populates t as an interrupt transfer.
func (t *Transfer) FillInterrupt(h *DeviceHandle, endpoint uint8, buf []byte, cb TransferCallback, userData any, timeout time.Duration) {
	t.FillBulk(h, endpoint, buf, cb, userData, timeout)
	t.transferType = TransferTypeInterrupt
}

// FillIso populates t as an isochronous transfer. The packet descriptor
// array must have been sized by NewTransfer; packetLength is applied to
// every packet.
func (t *Transfer) FillIso(h *DeviceHandle, endpoint uint8, buf []byte, packetLength int, cb TransferCallback, userData any, timeout time.Duration) {
	t.handle = h
	t.endpoint = endpoint
	t.transferType = TransferTypeIsochronous
	t.buffer = buf
	t.callback = cb
	t.userData = userData
	t.timeout = timeout
	for i := range t.isoPackets {
		t.isoPackets[i] = IsoPacket{Length: packetLength}
	}
}

func (t *Transfer) SetFlags(flags TransferFlag) { t.flags = flags }
func (t *Transfer) Flags() TransferFlag { return t.flags }
func (t *Transfer) Handle() *DeviceHandle { return t.handle }
func (t *Transfer) Endpoint() uint8 { return t.endpoint }
func (t *Transfer) Type() TransferType { return t.transferType }
func (t *Transfer) Buffer() []byte { return t.buffer }
func (t *Transfer) UserData() any { return t.userData }
func (t *Transfer) Status() TransferStatus { return t.status }
func (t *Transfer) ActualLength() int { return t.actualLength }
func (t *Transfer) IsoPackets() []IsoPacket { return t.isoPackets }
func (t *Transfer) SetBuffer(buf []byte) { t.buffer = buf }
func (t *Transfer) SetCallback(cb TransferCallback) { t.callback = cb }

// ControlData returns the data stage of a control transfer buffer.
func (t *Transfer) ControlData() []byte {
	if len(t.buffer) < ControlSetupSize {
		return nil
	}
	return t.buffer[ControlSetupSize:]
}

// FillControlSetup writes a setup block into the first 8 bytes of buf with
// the three 16-bit fields in host order. Submit converts them to wire
// (little-endian) order.
func FillControlSetup(buf []byte, requestType, request uint8, value, index, length uint16) {
	buf[0] = requestType
	buf[1] = request
	binary.NativeEndian.PutUint16(buf[2:4], value)
	binary.NativeEndian.PutUint16(buf[4:6], index)
	binary.NativeEndian.PutUint16(buf[6:8], length)
}

// normalizeControlSetup rewrites the 16-bit setup fields from host order
// to little-endian. Runs on every submit, so a transfer resubmitted after
// completion needs its setup refilled first.
func normalizeControlSetup(buf []byte) {
	for _, off := range [...]int{2, 4, 6} {
		v := binary.NativeEndian.Uint16(buf[off : off+2])
		binary.LittleEndian.PutUint16(buf[off:off+2], v)
	}
}

// Submit hands the transfer to the backend and links it into the in-flight
// list. The transfer completes exactly once through its callback.
//
// Control transfers have their setup block normalized to wire order here;
// resubmitting one requires refilling the setup with FillControlSetup.
func (t *Transfer) Submit() error {
	if t.freed || t.handle == nil {
		return ErrInvalidParam
	}
	if t.submitted {
		return ErrBusy
	}
	if t.handle.closed {
		return ErrNoDevice
	}

	ctx := t.handle.dev.ctx
	t.actualLength = 0
	t.timedOut = false

	if t.timeout > 0 {
		t.deadline = time.Now().Add(t.timeout)
	} else {
		t.deadline = time.Time{}
	}

	if t.transferType == TransferTypeControl {
		if len(t.buffer) < ControlSetupSize {
			return ErrInvalidParam
		}
		normalizeControlSetup(t.buffer)
	}

	if err := ctx.backend.SubmitTransfer(t); err != nil {
		return err
	}
	t.submitted = true
	ctx.flying.insert(t)
	return nil
}

// Cancel asks the backend to cancel the transfer and returns without
// waiting. The transfer still completes exactly once via its callback,
// with TransferCancelled or whatever status wins the race.
func (t *Transfer) Cancel() error {
	if !t.submitted {
		return ErrNotFound
	}
	return t.handle.dev.ctx.backend.CancelTransfer(t)
}

// CancelSync cancels the transfer and runs the event loop until the
// cancellation has propagated. The user callback is suppressed.
func (t *Transfer) CancelSync() error {
	if !t.submitted {
		return ErrNotFound
	}
	ctx := t.handle.dev.ctx
	if !ctx.polling.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer ctx.polling.Store(false)

	t.syncCancel = true
	if err := ctx.backend.CancelTransfer(t); err != nil {
		t.syncCancel = false
		return err
	}
	for t.syncCancel {
		if err := ctx.pollOnce(defaultEventTimeout); err != nil {
			t.syncCancel = false
			return err
		}
	}
	return nil
}

// Free releases the transfer's buffer references and poisons it against
// further use. In-flight transfers cannot be freed.
func (t *Transfer) Free() error {
	if t.submitted {
		return ErrBusy
	}
	t.free()
	return nil
}

func (t *Transfer) free() {
	t.buffer = nil
	t.callback = nil
	t.userData = nil
	t.isoPackets = nil
	t.os = nil
	t.freed = true
}

// handleTransferCompletion is the single completion path: the backend
// calls it when a submitted transfer reaches a terminal outcome. It
// delinks the transfer, applies the short-transfer policy, publishes the
// result and fires the callback.
func (c *Context) handleTransferCompletion(t *Transfer, status TransferStatus) {
	c.flying.remove(t)
	t.submitted = false
	t.timedOut = false

	if status == transferSilentCompletion {
		return
	}

	if status == TransferCompleted && t.flags&FlagShortNotOK != 0 {
		expected := len(t.buffer)
		if t.transferType == TransferTypeControl {
			expected -= ControlSetupSize
		}
		if t.actualLength < expected {
			c.dbgf("short transfer on endpoint %#02x: %d of %d bytes",
				t.endpoint, t.actualLength, expected)
			status = TransferError
		}
	}

	t.status = status
	if t.callback != nil {
		t.callback(t)
	}
	if t.flags&FlagFreeTransfer != 0 {
		t.free()
	}
}

// handleTransferCancellation resolves the race between user cancellation,
// timeout-induced cancellation and synchronous cancellation once the
// backend reports that a cancel has propagated.
func (c *Context) handleTransferCancellation(t *Transfer) {
	if t.syncCancel {
		t.syncCancel = false
		c.handleTransferCompletion(t, transferSilentCompletion)
		return
	}
	if t.timedOut {
		c.handleTransferCompletion(t, TransferTimedOut)
		return
	}
	c.handleTransferCompletion(t, TransferCancelled)
}

// setActualLength is for backends reporting progress on completion.
func (t *Transfer) setActualLength(n int) { t.actualLength = n }
