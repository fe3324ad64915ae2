package relay

import "sync"

type originState struct {
	epoch int64
	seq   uint64
}

// Tracker drops relay messages already seen from a publisher. A publisher is
// identified by its origin; every restart starts a new epoch whose sequence
// numbers begin again at one.
type Tracker struct {
	mu   sync.Mutex
	last map[string]originState
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{last: make(map[string]originState)}
}

// Accept reports whether the message is new. A higher epoch replaces the
// tracked one, a lower epoch is a stale publisher and is dropped.
func (t *Tracker) Accept(origin string, epoch int64, seq uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.last[origin]
	switch {
	case !ok, epoch > st.epoch:
		t.last[origin] = originState{epoch: epoch, seq: seq}
		return true
	case epoch < st.epoch:
		return false
	case seq <= st.seq:
		return false
	}
	st.seq = seq
	t.last[origin] = st
	return true
}

// Origins returns the number of publishers seen.
func (t *Tracker) Origins() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.last)
}
