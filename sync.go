package usb

import "time"

// Blocking convenience calls layered over the asynchronous engine: each
// submits a transfer, pumps the event loop until the completion callback
// fires, and maps the terminal status to a count or error. They follow
// the same single-driver discipline as HandleEvents, so they cannot run
// concurrently with an application thread driving the loop.

// ControlTransfer performs a blocking control request. data is the data
// stage only; the setup block is built from the explicit fields. For IN
// requests the received bytes are copied back into data.
func (h *DeviceHandle) ControlTransfer(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	buf := make([]byte, ControlSetupSize+len(data))
	FillControlSetup(buf, requestType, request, value, index, uint16(len(data)))
	if requestType&0x80 == 0 {
		copy(buf[ControlSetupSize:], data)
	}

	t := NewTransfer(0)
	done := false
	t.FillControl(h, buf, func(*Transfer) { done = true }, nil, timeout)

	n, err := h.dev.ctx.runSyncTransfer(t, &done)
	if err != nil {
		return 0, err
	}
	if requestType&0x80 != 0 {
		copy(data, buf[ControlSetupSize:ControlSetupSize+n])
	}
	return n, nil
}

// BulkTransfer performs a blocking bulk transfer. The direction comes from
// the endpoint address.
func (h *DeviceHandle) BulkTransfer(endpoint uint8, data []byte, timeout time.Duration) (int, error) {
	t := NewTransfer(0)
	done := false
	t.FillBulk(h, endpoint, data, func(*Transfer) { done = true }, nil, timeout)
	return h.dev.ctx.runSyncTransfer(t, &done)
}

// InterruptTransfer performs a blocking interrupt transfer.
func (h *DeviceHandle) InterruptTransfer(endpoint uint8, data []byte, timeout time.Duration) (int, error) {
	t := NewTransfer(0)
	done := false
	t.FillInterrupt(h, endpoint, data, func(*Transfer) { done = true }, nil, timeout)
	return h.dev.ctx.runSyncTransfer(t, &done)
}

// runSyncTransfer submits t and drives the event loop until its callback
// has fired, then translates the terminal status. If pumping fails the
// transfer is cancelled and the loop pumped until its callback has fired;
// a further polling error ends that drain early and leaves the transfer
// in flight.
func (c *Context) runSyncTransfer(t *Transfer, done *bool) (int, error) {
	if !c.polling.CompareAndSwap(false, true) {
		// Another thread owns the loop; waiting here could miss the
		// completion entirely, so refuse rather than race.
		return 0, ErrBusy
	}
	defer c.polling.Store(false)

	if err := t.Submit(); err != nil {
		return 0, err
	}

	var pumpErr error
	for !*done {
		err := c.pollOnce(defaultEventTimeout)
		if err == nil || err == ErrInterrupted {
			continue
		}
		pumpErr = err
		c.backend.CancelTransfer(t)
		for !*done {
			if c.pollOnce(defaultEventTimeout) != nil {
				break
			}
		}
		break
	}
	if pumpErr != nil {
		return 0, pumpErr
	}

	switch t.status {
	case TransferCompleted:
		return t.actualLength, nil
	case TransferTimedOut:
		return 0, ErrTimeout
	case TransferStall:
		return 0, ErrPipe
	case TransferNoDevice:
		return 0, ErrNoDevice
	case TransferOverflow:
		return 0, ErrOverflow
	}
	return 0, ErrIO
}
