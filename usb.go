package usb

import (
	"log"
	"sync"
	"sync/atomic"
)

// Debug levels accepted by SetDebug.
const (
	LogNone    = 0
	LogError   = 1
	LogWarning = 2
	LogDebug   = 3
)

// Context owns all process-wide state: the device registry, the table of
// open handles, the in-flight transfer list and the poll-FD registry.
// Any number of contexts may coexist; each selects the build-time backend.
//
// All API entry points are safe for concurrent use except the event loop:
// at most one thread at a time may run HandleEvents/HandleEventsTimeout,
// submit or cancel transfers, or sit inside a backend callback. A second
// concurrent event-loop driver is detected and reported as ErrBusy.
type Context struct {
	backend Backend

	devMu   sync.Mutex
	devices map[uint64]*Device // session ID -> device; membership only, no ownership

	handleMu sync.Mutex
	handles  map[*DeviceHandle]struct{}

	// Event-loop state, guarded by the single-driver contract rather
	// than a lock.
	flying    flightList
	pollfds   []PollFD
	fdAdded   func(PollFD)
	fdRemoved func(fd int)

	polling atomic.Bool
	debug   atomic.Int32
	closed  atomic.Bool
}

// NewContext initializes the library and its backend.
func NewContext() (*Context, error) {
	ctx := &Context{
		backend: newDefaultBackend(),
		devices: make(map[uint64]*Device),
		handles: make(map[*DeviceHandle]struct{}),
	}
	if err := ctx.backend.Init(ctx); err != nil {
		return nil, err
	}
	return ctx, nil
}

// newContextWith is the test seam: it wires an explicit backend instead of
// the build-time default.
func newContextWith(b Backend) (*Context, error) {
	ctx := &Context{
		backend: b,
		devices: make(map[uint64]*Device),
		handles: make(map[*DeviceHandle]struct{}),
	}
	if err := b.Init(ctx); err != nil {
		return nil, err
	}
	return ctx, nil
}

// Close tears the context down. Handles still open at this point are
// force-closed with a warning; well-behaved callers close them first.
func (c *Context) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.handleMu.Lock()
	stale := make([]*DeviceHandle, 0, len(c.handles))
	for h := range c.handles {
		stale = append(stale, h)
	}
	c.handleMu.Unlock()

	for _, h := range stale {
		c.warnf("device handle %03d.%03d still open at exit, force-closing",
			h.dev.bus, h.dev.address)
		h.Close()
	}

	c.backend.Exit(c)
	return nil
}

// SetDebug sets the message verbosity. Level 0 silences the library.
func (c *Context) SetDebug(level int) {
	c.debug.Store(int32(level))
}

func (c *Context) errorf(format string, args ...any) { c.logf(LogError, "error", format, args...) }
func (c *Context) warnf(format string, args ...any) { c.logf(LogWarning, "warning", format, args...) }
func (c *Context) dbgf(format string, args ...any) { c.logf(LogDebug, "debug", format, args...) }

func (c *Context) logf(level int32, tag, format string, args ...any) {
	if c.debug.Load() < level {
		return
	}
	log.Printf("usb %s: "+format, append([]any{tag}, args...)...)
}

// Version returns the library version string.
func Version() string {
	return "1.0.0"
}
