package usb

import (
	"container/list"
	"time"
)

// flightList is the set of in-flight transfers, kept sorted by absolute
// deadline ascending. Transfers without a deadline (infinite timeout,
// represented by the zero time.Time) form a contiguous suffix. A transfer
// is linked here iff the backend has accepted its submission and not yet
// reported a terminal outcome.
//
// The list is accessed only under the event-loop single-driver contract
// and is therefore unlocked.
type flightList struct {
	l list.List
}

// insert places t according to its deadline: before the first entry whose
// deadline is unset or strictly later, at the tail otherwise. The element
// pointer is stored on the transfer for O(1) removal.
func (f *flightList) insert(t *Transfer) {
	for e := f.l.Front(); e != nil; e = e.Next() {
		cur := e.Value.(*Transfer)
		if cur.deadline.IsZero() || (!t.deadline.IsZero() && cur.deadline.After(t.deadline)) {
			t.elem = f.l.InsertBefore(t, e)
			return
		}
	}
	t.elem = f.l.PushBack(t)
}

func (f *flightList) remove(t *Transfer) {
	if t.elem != nil {
		f.l.Remove(t.elem)
		t.elem = nil
	}
}

// nextDeadline reports the earliest deadline among in-flight transfers
// that have not yet been latched as timed out.
func (f *flightList) nextDeadline() (time.Time, bool) {
	for e := f.l.Front(); e != nil; e = e.Next() {
		t := e.Value.(*Transfer)
		if t.timedOut {
			continue
		}
		if t.deadline.IsZero() {
			return time.Time{}, false
		}
		return t.deadline, true
	}
	return time.Time{}, false
}

func (f *flightList) empty() bool {
	return f.l.Len() == 0
}
