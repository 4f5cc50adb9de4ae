package usb

import (
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// defaultEventTimeout bounds one HandleEvents iteration when the caller
// has no opinion, so a loop driving the library stays responsive to
// teardown even with nothing in flight.
const defaultEventTimeout = 60 * time.Second

// HandleEvents runs one event-loop iteration with the default timeout.
func (c *Context) HandleEvents() error {
	return c.HandleEventsTimeout(defaultEventTimeout)
}

// HandleEventsTimeout runs one event-loop iteration: it waits for backend
// file descriptors to become ready or for the nearest transfer deadline,
// whichever comes first, then drives completions and sweeps expired
// deadlines. A negative timeout blocks until a descriptor is ready.
//
// At most one thread may drive the event loop; a concurrent call returns
// ErrBusy.
func (c *Context) HandleEventsTimeout(timeout time.Duration) error {
	if !c.polling.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer c.polling.Store(false)
	return c.pollOnce(timeout)
}

func (c *Context) pollOnce(timeout time.Duration) error {
	ms := -1 // block until readiness
	if timeout >= 0 {
		ms = ceilMilliseconds(timeout)
	}
	if deadline, ok := c.flying.nextDeadline(); ok {
		until := time.Until(deadline)
		if until < 0 {
			until = 0
		}
		if dms := ceilMilliseconds(until); ms < 0 || dms < ms {
			ms = dms
		}
	}

	fds := make([]unix.PollFd, len(c.pollfds))
	for i, pfd := range c.pollfds {
		fds[i] = unix.PollFd{Fd: int32(pfd.FD), Events: pfd.Events}
	}

	n, err := unix.Poll(fds, ms)
	if err == unix.EINTR {
		return nil
	}
	if err != nil {
		c.errorf("poll failed: %v", err)
		if errno, ok := err.(syscall.Errno); ok {
			return errnoToError(errno)
		}
		return ErrOther
	}
	if n == 0 {
		c.sweepTimeouts()
		return nil
	}

	ready := make([]ReadyFD, 0, n)
	for _, fd := range fds {
		if fd.Revents != 0 {
			ready = append(ready, ReadyFD{FD: int(fd.Fd), Revents: fd.Revents})
		}
	}
	if err := c.backend.HandleEvents(c, ready); err != nil {
		return err
	}
	c.sweepTimeouts()
	return nil
}

// sweepTimeouts walks the deadline-ordered in-flight list and issues an
// asynchronous cancel for every expired transfer. The timeout itself is
// reported later, when the backend confirms the cancellation — the kernel
// may complete a transfer concurrently with our cancel, and routing both
// outcomes through the cancellation path keeps completion single-shot.
func (c *Context) sweepTimeouts() {
	now := time.Now()
	for e := c.flying.l.Front(); e != nil; e = e.Next() {
		t := e.Value.(*Transfer)
		if t.deadline.IsZero() || t.deadline.After(now) {
			break
		}
		if t.timedOut {
			continue
		}
		t.timedOut = true
		c.dbgf("transfer on endpoint %#02x timed out, cancelling", t.endpoint)
		if err := c.backend.CancelTransfer(t); err != nil {
			c.warnf("cancel of timed-out transfer failed: %v", err)
		}
	}
}

// NextTimeout reports the time until the nearest transfer deadline. The
// second return is false when nothing in flight carries a deadline; an
// application multiplexing the poll FDs itself must then supply its own
// timeout.
func (c *Context) NextTimeout() (time.Duration, bool) {
	deadline, ok := c.flying.nextDeadline()
	if !ok {
		return 0, false
	}
	until := time.Until(deadline)
	if until < 0 {
		until = 0
	}
	return until, true
}

// PollFDs returns a snapshot of the file descriptors the event loop
// multiplexes, for applications integrating the library into their own
// poll set.
func (c *Context) PollFDs() []PollFD {
	out := make([]PollFD, len(c.pollfds))
	copy(out, c.pollfds)
	return out
}

// SetPollFDNotifiers installs callbacks observing poll-FD registry
// changes. Callbacks run on the thread mutating the registry.
func (c *Context) SetPollFDNotifiers(added func(PollFD), removed func(fd int)) {
	c.fdAdded = added
	c.fdRemoved = removed
}

func (c *Context) addPollFD(fd int, events int16) {
	pfd := PollFD{FD: fd, Events: events}
	c.pollfds = append(c.pollfds, pfd)
	if c.fdAdded != nil {
		c.fdAdded(pfd)
	}
}

func (c *Context) removePollFD(fd int) {
	for i, pfd := range c.pollfds {
		if pfd.FD == fd {
			c.pollfds = append(c.pollfds[:i], c.pollfds[i+1:]...)
			if c.fdRemoved != nil {
				c.fdRemoved(fd)
			}
			return
		}
	}
}

func ceilMilliseconds(d time.Duration) int {
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

func errnoToError(errno syscall.Errno) error {
	switch errno {
	case 0:
		return nil
	case unix.EACCES, unix.EPERM:
		return ErrAccess
	case unix.ENODEV, unix.ENOENT:
		return ErrNoDevice
	case unix.EBUSY:
		return ErrBusy
	case unix.ETIMEDOUT:
		return ErrTimeout
	case unix.EOVERFLOW:
		return ErrOverflow
	case unix.EPIPE:
		return ErrPipe
	case unix.EINTR:
		return ErrInterrupted
	case unix.ENOMEM:
		return ErrNoMem
	case unix.ENOSYS, unix.ENOTTY:
		return ErrNotSupported
	case unix.EINVAL:
		return ErrInvalidParam
	case unix.EIO:
		return ErrIO
	}
	return ErrOther
}
