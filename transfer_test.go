package usb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControlSetupWireFormat(t *testing.T) {
	ctx, _ := newFakeContext(t, twoDevices()...)
	h := openOne(t, ctx)

	buf := make([]byte, ControlSetupSize+0xff)
	FillControlSetup(buf, 0x80, 0x06, 0x1234, 0x5678, 0x00ff)

	tr := NewTransfer(0)
	tr.FillControl(h, buf, nil, nil, 0)
	require.NoError(t, tr.Submit())

	assert.Equal(t, []byte{0x80, 0x06, 0x34, 0x12, 0x78, 0x56, 0xff, 0x00}, buf[:ControlSetupSize],
		"setup words must be little-endian on the wire")
}

func TestSubmitValidation(t *testing.T) {
	ctx, _ := newFakeContext(t, twoDevices()...)
	h := openOne(t, ctx)

	tr := NewTransfer(0)
	assert.Equal(t, ErrInvalidParam, tr.Submit(), "unfilled transfer must not submit")

	tr.FillControl(h, make([]byte, 4), nil, nil, 0)
	assert.Equal(t, ErrInvalidParam, tr.Submit(), "control buffer shorter than the setup block")

	tr2 := NewTransfer(0)
	tr2.FillBulk(h, 0x81, make([]byte, 8), nil, nil, 0)
	require.NoError(t, tr2.Submit())
	assert.Equal(t, ErrBusy, tr2.Submit(), "double submit must fail")
	assert.Equal(t, ErrBusy, tr2.Free(), "an in-flight transfer cannot be freed")
}

func TestSubmitAfterClose(t *testing.T) {
	ctx, _ := newFakeContext(t, twoDevices()...)

	list, err := ctx.DeviceList()
	require.NoError(t, err)
	h, err := list[0].Open()
	require.NoError(t, err)
	FreeDeviceList(list, true)
	require.NoError(t, h.Close())

	tr := NewTransfer(0)
	tr.FillBulk(h, 0x81, make([]byte, 8), nil, nil, 0)
	assert.Equal(t, ErrNoDevice, tr.Submit())
}

func TestCancelUnsubmitted(t *testing.T) {
	tr := NewTransfer(0)
	assert.Equal(t, ErrNotFound, tr.Cancel())
	assert.Equal(t, ErrNotFound, tr.CancelSync())
}

func TestSubmitResetsEngineState(t *testing.T) {
	ctx, fb := newFakeContext(t, twoDevices()...)
	h := openOne(t, ctx)

	tr := NewTransfer(0)
	tr.FillBulk(h, 0x81, make([]byte, 8), nil, nil, 50*time.Millisecond)
	require.NoError(t, tr.Submit())

	// Expire it and let the cancellation surface the timeout.
	require.NoError(t, ctx.HandleEventsTimeout(200*time.Millisecond))
	require.NoError(t, ctx.HandleEventsTimeout(100*time.Millisecond))
	require.Equal(t, TransferTimedOut, tr.Status())

	// A resubmission starts clean: no stale latch, fresh deadline.
	require.NoError(t, tr.Submit())
	assert.False(t, tr.timedOut)
	assert.Equal(t, 0, tr.ActualLength())
	assert.False(t, tr.deadline.IsZero())
	fb.push(fakeEvent{t: tr, status: TransferCompleted, actual: 8})
	require.NoError(t, ctx.HandleEventsTimeout(100*time.Millisecond))
	assert.Equal(t, TransferCompleted, tr.Status())
}

func TestIsoPacketAccessors(t *testing.T) {
	tr := NewTransfer(3)
	buf := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	tr.FillIso(nil, 0x82, buf, 4, nil, nil, 0)

	require.Len(t, tr.IsoPackets(), 3)
	for _, pkt := range tr.IsoPackets() {
		assert.Equal(t, 4, pkt.Length)
	}

	tr.isoPackets[0] = IsoPacket{Length: 4, ActualLength: 4, Status: TransferCompleted}
	tr.isoPackets[1] = IsoPacket{Length: 4, ActualLength: 0, Status: TransferError}
	tr.isoPackets[2] = IsoPacket{Length: 4, ActualLength: 2, Status: TransferCompleted}

	p0, err := tr.IsoPacketBuffer(0)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, p0)

	p2, err := tr.IsoPacketBuffer(2)
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 10}, p2, "packet offsets advance by allocated length")

	_, err = tr.IsoPacketBuffer(3)
	assert.Equal(t, ErrInvalidParam, err)

	slices := tr.IsoPacketBuffers()
	require.Len(t, slices, 3)
	assert.Equal(t, []byte{1, 2, 3, 4}, slices[0])
	assert.Nil(t, slices[1], "error packets get no slice")
	assert.Equal(t, []byte{9, 10}, slices[2])
}

func TestSyncBulkTransfer(t *testing.T) {
	ctx, fb := newFakeContext(t, twoDevices()...)
	h := openOne(t, ctx)

	// The fake only records the submit; the test queues the completion
	// once it sees it, and the pipe write wakes the pump inside
	// BulkTransfer.
	done := make(chan struct{})
	go func() {
		defer close(done)
		n, err := h.BulkTransfer(0x81, make([]byte, 64), time.Second)
		assert.NoError(t, err)
		assert.Equal(t, 48, n)
	}()

	// Wait for the submit, then complete it.
	deadline := time.After(2 * time.Second)
	for len(fb.submitted()) == 0 {
		select {
		case <-deadline:
			t.Fatal("transfer never submitted")
		case <-time.After(time.Millisecond):
		}
	}
	fb.push(fakeEvent{t: fb.submitted()[0], status: TransferCompleted, actual: 48})
	<-done
}

func TestSyncTransferStatusMapping(t *testing.T) {
	cases := []struct {
		status TransferStatus
		err    error
	}{
		{TransferTimedOut, ErrTimeout},
		{TransferStall, ErrPipe},
		{TransferNoDevice, ErrNoDevice},
		{TransferOverflow, ErrOverflow},
		{TransferError, ErrIO},
	}
	for _, tc := range cases {
		t.Run(tc.status.String(), func(t *testing.T) {
			ctx, fb := newFakeContext(t, twoDevices()...)
			h := openOne(t, ctx)

			done := make(chan struct{})
			go func() {
				defer close(done)
				_, err := h.InterruptTransfer(0x81, make([]byte, 8), time.Second)
				assert.Equal(t, tc.err, err)
			}()

			deadline := time.After(2 * time.Second)
			for len(fb.submitted()) == 0 {
				select {
				case <-deadline:
					t.Fatal("transfer never submitted")
				case <-time.After(time.Millisecond):
				}
			}
			fb.push(fakeEvent{t: fb.submitted()[0], status: tc.status})
			<-done
		})
	}
}
