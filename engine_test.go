package usb

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeDevice describes one device the fake backend reports.
type fakeDevice struct {
	session uint64
	bus     uint8
	addr    uint8
	raw     []byte
}

func rawDeviceDescriptor(vid, pid uint16, numConfigs uint8) []byte {
	raw := make([]byte, DeviceDescriptorSize)
	raw[0] = DeviceDescriptorSize
	raw[1] = DescriptorTypeDevice
	binary.LittleEndian.PutUint16(raw[2:4], 0x0200)
	raw[7] = 64
	binary.LittleEndian.PutUint16(raw[8:10], vid)
	binary.LittleEndian.PutUint16(raw[10:12], pid)
	raw[17] = numConfigs
	return raw
}

// fakeEvent is a completion or cancellation the fake backend will deliver
// on its next HandleEvents.
type fakeEvent struct {
	t         *Transfer
	status    TransferStatus
	actual    int
	cancelled bool
}

// fakeBackend drives the engine deterministically: completions are queued
// by the test and signalled through a pipe, so the real poll path wakes
// exactly like it would for usbfs readiness.
type fakeBackend struct {
	ctx *Context

	devs      []fakeDevice
	destroyed map[uint64]int

	claims   []int
	releases []int

	// autoCancelComplete queues the cancellation event as soon as
	// CancelTransfer is called, the way a kernel promptly reaps a
	// discarded URB.
	autoCancelComplete bool

	// mu covers the fields the sync-layer tests poke from a second
	// goroutine while the engine runs.
	mu      sync.Mutex
	submits []*Transfer
	cancels []*Transfer
	queue   []fakeEvent

	pipeR int
	pipeW int
}

func (f *fakeBackend) Init(ctx *Context) error {
	f.ctx = ctx
	f.destroyed = make(map[uint64]int)
	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		return err
	}
	f.pipeR, f.pipeW = fds[0], fds[1]
	unix.SetNonblock(f.pipeR, true)
	ctx.addPollFD(f.pipeR, unix.POLLIN)
	return nil
}

func (f *fakeBackend) Exit(*Context) {
	unix.Close(f.pipeR)
	unix.Close(f.pipeW)
}

func (f *fakeBackend) DeviceList(ctx *Context) ([]*Device, error) {
	var out []*Device
	for _, fd := range f.devs {
		if d := ctx.deviceBySessionID(fd.session); d != nil {
			out = append(out, d.Ref())
			continue
		}
		d := ctx.allocDevice(fd.session)
		d.bus = fd.bus
		d.address = fd.addr
		d.os = fd
		if err := ctx.sanitizeDevice(d); err != nil {
			d.Unref()
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeBackend) Open(h *DeviceHandle) error { return nil }
func (f *fakeBackend) Close(h *DeviceHandle) {}

func (f *fakeBackend) DeviceDescriptor(d *Device) ([]byte, error) {
	return d.os.(fakeDevice).raw, nil
}

func (f *fakeBackend) ActiveConfigDescriptor(d *Device) ([]byte, error) {
	return nil, ErrNotSupported
}

func (f *fakeBackend) SetConfiguration(h *DeviceHandle, value int) error { return nil }

func (f *fakeBackend) ClaimInterface(h *DeviceHandle, number int) error {
	f.claims = append(f.claims, number)
	return nil
}

func (f *fakeBackend) ReleaseInterface(h *DeviceHandle, number int) error {
	f.releases = append(f.releases, number)
	return nil
}

func (f *fakeBackend) SetInterfaceAltSetting(h *DeviceHandle, number, alt int) error { return nil }
func (f *fakeBackend) ClearHalt(h *DeviceHandle, endpoint uint8) error { return nil }
func (f *fakeBackend) ResetDevice(h *DeviceHandle) error { return nil }

func (f *fakeBackend) SubmitTransfer(t *Transfer) error {
	f.mu.Lock()
	f.submits = append(f.submits, t)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) CancelTransfer(t *Transfer) error {
	f.mu.Lock()
	f.cancels = append(f.cancels, t)
	f.mu.Unlock()
	if f.autoCancelComplete {
		f.push(fakeEvent{t: t, cancelled: true})
	}
	return nil
}

func (f *fakeBackend) HandleEvents(ctx *Context, ready []ReadyFD) error {
	buf := make([]byte, 64)
	for {
		if _, err := unix.Read(f.pipeR, buf); err != nil {
			break
		}
	}
	f.mu.Lock()
	events := f.queue
	f.queue = nil
	f.mu.Unlock()
	for _, ev := range events {
		if ev.cancelled {
			ctx.handleTransferCancellation(ev.t)
			continue
		}
		ev.t.setActualLength(ev.actual)
		ctx.handleTransferCompletion(ev.t, ev.status)
	}
	return nil
}

func (f *fakeBackend) DestroyDevice(d *Device) {
	f.destroyed[d.sessionID]++
}

// push queues an event and marks the pipe readable.
func (f *fakeBackend) push(ev fakeEvent) {
	f.mu.Lock()
	f.queue = append(f.queue, ev)
	f.mu.Unlock()
	unix.Write(f.pipeW, []byte{1})
}

func (f *fakeBackend) submitted() []*Transfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Transfer(nil), f.submits...)
}

func (f *fakeBackend) cancelled() []*Transfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Transfer(nil), f.cancels...)
}

func newFakeContext(t *testing.T, devs ...fakeDevice) (*Context, *fakeBackend) {
	t.Helper()
	fb := &fakeBackend{devs: devs, autoCancelComplete: true}
	ctx, err := newContextWith(fb)
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Close() })
	return ctx, fb
}

func twoDevices() []fakeDevice {
	return []fakeDevice{
		{session: 10, bus: 1, addr: 4, raw: rawDeviceDescriptor(0x1d6b, 0x0002, 1)},
		{session: 11, bus: 1, addr: 5, raw: rawDeviceDescriptor(0x046d, 0x08e5, 1)},
	}
}

func TestEnumerateOpenClose(t *testing.T) {
	ctx, fb := newFakeContext(t, twoDevices()...)

	list, err := ctx.DeviceList()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 1, list[0].refs)
	assert.Equal(t, 1, list[1].refs)

	h, err := list[0].Open()
	require.NoError(t, err)
	assert.Equal(t, 3, list[0].refs)

	dev := list[0]
	FreeDeviceList(list, true)
	assert.Equal(t, 2, dev.refs)
	assert.Equal(t, 1, fb.destroyed[11], "list unref of the unopened device should destroy it")

	require.NoError(t, h.Close())
	assert.Equal(t, 0, dev.refs)
	assert.Equal(t, 1, fb.destroyed[10], "destroy hook must run exactly once")
	assert.Nil(t, ctx.deviceBySessionID(10), "device must leave the registry on final unref")
}

func TestSessionIDDeduplication(t *testing.T) {
	ctx, _ := newFakeContext(t, twoDevices()...)

	list1, err := ctx.DeviceList()
	require.NoError(t, err)
	list2, err := ctx.DeviceList()
	require.NoError(t, err)

	assert.Same(t, list1[0], list2[0], "re-enumeration must find the same device by session ID")
	assert.Equal(t, 2, list1[0].refs)

	FreeDeviceList(list1, true)
	FreeDeviceList(list2, true)
	assert.Nil(t, ctx.deviceBySessionID(10))
}

func TestSanitizeRejectsBadConfigCounts(t *testing.T) {
	ctx, _ := newFakeContext(t,
		fakeDevice{session: 20, bus: 1, addr: 6, raw: rawDeviceDescriptor(0x1234, 0x0001, 0)},
		fakeDevice{session: 21, bus: 1, addr: 7, raw: rawDeviceDescriptor(0x1234, 0x0002, 9)},
		fakeDevice{session: 22, bus: 1, addr: 8, raw: rawDeviceDescriptor(0x1234, 0x0003, 1)},
	)

	list, err := ctx.DeviceList()
	require.NoError(t, err)
	require.Len(t, list, 1, "devices with 0 or >8 configurations must not be published")
	assert.Equal(t, uint64(22), list[0].SessionID())
	FreeDeviceList(list, true)
}

func TestClaimedInterfaceBitmap(t *testing.T) {
	ctx, fb := newFakeContext(t, twoDevices()...)

	list, err := ctx.DeviceList()
	require.NoError(t, err)
	h, err := list[0].Open()
	require.NoError(t, err)
	FreeDeviceList(list, true)
	defer h.Close()

	require.NoError(t, h.ClaimInterface(3))
	assert.Equal(t, []int{3}, fb.claims)
	require.NoError(t, h.ClaimInterface(3), "re-claim of a held interface is a no-op")
	assert.Equal(t, []int{3}, fb.claims, "idempotent claim must not hit the backend")

	assert.Equal(t, ErrNotFound, h.SetInterfaceAltSetting(4, 1))
	require.NoError(t, h.SetInterfaceAltSetting(3, 1))

	require.NoError(t, h.ReleaseInterface(3))
	assert.Equal(t, []int{3}, fb.releases)
	assert.Equal(t, ErrNotFound, h.ReleaseInterface(3), "double release must fail")

	assert.Equal(t, ErrInvalidParam, h.ClaimInterface(maxInterfaces))
	assert.Equal(t, ErrInvalidParam, h.ClaimInterface(-1))
}

func TestKernelDriverOpsUnsupported(t *testing.T) {
	ctx, _ := newFakeContext(t, twoDevices()...)

	list, err := ctx.DeviceList()
	require.NoError(t, err)
	h, err := list[0].Open()
	require.NoError(t, err)
	FreeDeviceList(list, true)
	defer h.Close()

	_, err = h.KernelDriverActive(0)
	assert.Equal(t, ErrNotSupported, err)
	assert.Equal(t, ErrNotSupported, h.DetachKernelDriver(0))
}

func openOne(t *testing.T, ctx *Context) *DeviceHandle {
	t.Helper()
	list, err := ctx.DeviceList()
	require.NoError(t, err)
	require.NotEmpty(t, list)
	h, err := list[0].Open()
	require.NoError(t, err)
	FreeDeviceList(list, true)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestTimeoutInducedCancel(t *testing.T) {
	ctx, fb := newFakeContext(t, twoDevices()...)
	h := openOne(t, ctx)

	calls := 0
	var got TransferStatus
	tr := NewTransfer(0)
	tr.FillBulk(h, 0x81, make([]byte, 64), func(tr *Transfer) {
		calls++
		got = tr.Status()
	}, nil, 100*time.Millisecond)
	require.NoError(t, tr.Submit())

	start := time.Now()
	require.NoError(t, ctx.HandleEventsTimeout(500*time.Millisecond))
	assert.Less(t, time.Since(start), 400*time.Millisecond,
		"the loop must wake on the transfer deadline, not the caller timeout")
	require.Len(t, fb.cancelled(), 1, "sweep must cancel the expired transfer")

	// The cancellation completion was queued by the fake; deliver it.
	require.NoError(t, ctx.HandleEventsTimeout(100*time.Millisecond))

	assert.Equal(t, 1, calls, "callback must fire exactly once")
	assert.Equal(t, TransferTimedOut, got)
	assert.True(t, ctx.flying.empty(), "timed-out transfer must be delinked")
}

func TestSyncCancelSuppressesCallback(t *testing.T) {
	ctx, _ := newFakeContext(t, twoDevices()...)
	h := openOne(t, ctx)

	calls := 0
	buf := make([]byte, ControlSetupSize+4)
	FillControlSetup(buf, 0x80, 0x06, 0x0100, 0, 4)
	tr := NewTransfer(0)
	tr.FillControl(h, buf, func(*Transfer) { calls++ }, nil, 0)
	require.NoError(t, tr.Submit())

	require.NoError(t, tr.CancelSync())
	assert.Equal(t, 0, calls, "sync cancel must suppress the user callback")
	assert.False(t, tr.submitted)
	assert.True(t, ctx.flying.empty())
}

func TestShortTransferWithShortNotOK(t *testing.T) {
	ctx, fb := newFakeContext(t, twoDevices()...)
	h := openOne(t, ctx)

	var got TransferStatus
	var gotLen int
	tr := NewTransfer(0)
	tr.FillBulk(h, 0x81, make([]byte, 512), func(tr *Transfer) {
		got = tr.Status()
		gotLen = tr.ActualLength()
	}, nil, 0)
	tr.SetFlags(FlagShortNotOK)
	require.NoError(t, tr.Submit())

	fb.push(fakeEvent{t: tr, status: TransferCompleted, actual: 200})
	require.NoError(t, ctx.HandleEventsTimeout(100*time.Millisecond))

	assert.Equal(t, TransferError, got)
	assert.Equal(t, 200, gotLen)
}

func TestCompletionFiresExactlyOnce(t *testing.T) {
	ctx, fb := newFakeContext(t, twoDevices()...)
	h := openOne(t, ctx)

	calls := 0
	tr := NewTransfer(0)
	tr.FillBulk(h, 0x81, make([]byte, 64), func(*Transfer) { calls++ }, nil, 0)
	require.NoError(t, tr.Submit())

	fb.push(fakeEvent{t: tr, status: TransferCompleted, actual: 64})
	require.NoError(t, ctx.HandleEventsTimeout(100*time.Millisecond))
	require.NoError(t, ctx.HandleEventsTimeout(10*time.Millisecond))
	require.NoError(t, ctx.HandleEventsTimeout(10*time.Millisecond))

	assert.Equal(t, 1, calls)
	assert.Equal(t, TransferCompleted, tr.Status())
	assert.Equal(t, 64, tr.ActualLength())
}

func TestFreeTransferFlagFreesAfterCallback(t *testing.T) {
	ctx, fb := newFakeContext(t, twoDevices()...)
	h := openOne(t, ctx)

	calls := 0
	tr := NewTransfer(0)
	tr.FillBulk(h, 0x81, make([]byte, 64), func(*Transfer) { calls++ }, nil, 0)
	tr.SetFlags(FlagFreeTransfer | FlagFreeBuffer)
	require.NoError(t, tr.Submit())

	fb.push(fakeEvent{t: tr, status: TransferCompleted, actual: 64})
	require.NoError(t, ctx.HandleEventsTimeout(100*time.Millisecond))

	assert.Equal(t, 1, calls)
	assert.True(t, tr.freed)
	assert.Nil(t, tr.Buffer())
	assert.Equal(t, ErrInvalidParam, tr.Submit(), "a freed transfer must not resubmit")
}

func TestRefSafetyAcrossEnumeration(t *testing.T) {
	ctx, _ := newFakeContext(t, twoDevices()...)

	list, err := ctx.DeviceList()
	require.NoError(t, err)
	h, err := list[1].Open()
	require.NoError(t, err)
	defer h.Close()
	want := list[1]
	FreeDeviceList(list, true)

	assert.Same(t, want, h.Device())
	assert.Equal(t, uint8(1), h.Device().BusNumber())
	assert.Equal(t, uint8(5), h.Device().Address())
	assert.Equal(t, 2, want.refs)
}

func TestOpenDeviceWithVIDPID(t *testing.T) {
	ctx, _ := newFakeContext(t, twoDevices()...)

	h, err := ctx.OpenDeviceWithVIDPID(0x046d, 0x08e5)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), h.Device().SessionID())
	assert.Equal(t, 2, h.Device().refs, "only the open refs survive the list teardown")
	require.NoError(t, h.Close())

	_, err = ctx.OpenDeviceWithVIDPID(0xdead, 0xbeef)
	assert.Equal(t, ErrNotFound, err)
}

func TestNextTimeout(t *testing.T) {
	ctx, fb := newFakeContext(t, twoDevices()...)
	h := openOne(t, ctx)

	_, ok := ctx.NextTimeout()
	assert.False(t, ok, "no deadline with nothing in flight")

	tr := NewTransfer(0)
	tr.FillBulk(h, 0x81, make([]byte, 8), nil, nil, 150*time.Millisecond)
	require.NoError(t, tr.Submit())

	d, ok := ctx.NextTimeout()
	require.True(t, ok)
	assert.LessOrEqual(t, d, 150*time.Millisecond)
	assert.Greater(t, d, 50*time.Millisecond)

	fb.push(fakeEvent{t: tr, status: TransferCompleted})
	require.NoError(t, ctx.HandleEventsTimeout(100*time.Millisecond))
	_, ok = ctx.NextTimeout()
	assert.False(t, ok)
}

func TestConcurrentDriverDetected(t *testing.T) {
	ctx, fb := newFakeContext(t, twoDevices()...)
	h := openOne(t, ctx)

	var inner error
	tr := NewTransfer(0)
	tr.FillBulk(h, 0x81, make([]byte, 8), func(*Transfer) {
		inner = ctx.HandleEvents()
	}, nil, 0)
	require.NoError(t, tr.Submit())

	fb.push(fakeEvent{t: tr, status: TransferCompleted})
	require.NoError(t, ctx.HandleEventsTimeout(100*time.Millisecond))
	assert.Equal(t, ErrBusy, inner, "a second driver inside the loop must be refused")
}

func TestPollFDNotifiers(t *testing.T) {
	ctx, _ := newFakeContext(t, twoDevices()...)

	var added []PollFD
	var removed []int
	ctx.SetPollFDNotifiers(
		func(p PollFD) { added = append(added, p) },
		func(fd int) { removed = append(removed, fd) },
	)

	require.NotEmpty(t, ctx.PollFDs(), "the backend pipe must be registered")

	ctx.addPollFD(99, unix.POLLIN)
	require.Len(t, added, 1)
	assert.Equal(t, 99, added[0].FD)
	assert.Contains(t, ctx.PollFDs(), PollFD{FD: 99, Events: unix.POLLIN})

	ctx.removePollFD(99)
	assert.Equal(t, []int{99}, removed)
	assert.NotContains(t, ctx.PollFDs(), PollFD{FD: 99, Events: unix.POLLIN})
}
