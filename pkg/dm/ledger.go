package dm

import (
	"sort"
	"sync"
	"time"
)

// Ledger is the ordered, deduplicated in-memory message store for one
// channel. All mutation goes through IngestHistory, IngestLive and
// AppendLocal, which serialize on an internal mutex; View never blocks on
// network activity.
type Ledger struct {
	mu        sync.Mutex
	entries   []Message
	tolerance time.Duration
}

// NewLedger returns an empty ledger using the given reconciliation
// tolerance. A non-positive tolerance falls back to the default.
func NewLedger(tolerance time.Duration) *Ledger {
	if tolerance <= 0 {
		tolerance = DefaultReconcileTolerance
	}
	return &Ledger{tolerance: tolerance}
}

// same reports whether the ledger considers a and b the same message. Ids
// win when both sides carry one; otherwise sender, text and a timestamp
// within the tolerance window.
func (l *Ledger) same(a, b Message) bool {
	if a.ID != "" && b.ID != "" {
		return a.ID == b.ID
	}
	if a.Sender != b.Sender || a.Text != b.Text {
		return false
	}
	delta := a.Timestamp - b.Timestamp
	if delta < 0 {
		delta = -delta
	}
	return delta <= l.tolerance.Milliseconds()
}

// IngestHistory replaces the ledger's confirmed entries wholesale with the
// persisted log. It is called once per channel activation, before any live
// ingestion. Unconfirmed local echoes survive the replacement unless history
// already contains their confirmed copy.
func (l *Ledger) IngestHistory(msgs []Message) {
	sorted := make([]Message, len(msgs))
	copy(sorted, msgs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})

	l.mu.Lock()
	defer l.mu.Unlock()
	var echoes []Message
	for _, e := range l.entries {
		if e.LocalEcho {
			echoes = append(echoes, e)
		}
	}
	l.entries = l.entries[:0]
	for _, m := range sorted {
		m.LocalEcho = false
		if l.indexOfLocked(m) >= 0 {
			continue
		}
		l.entries = append(l.entries, m)
	}
	for _, e := range echoes {
		if l.indexOfLocked(e) >= 0 {
			continue
		}
		l.insertLocked(e)
	}
}

// IngestLive merges one message from the live stream. A matching local echo
// is replaced in place by the confirmed copy; an already-present confirmed
// duplicate is dropped. Returns the entry the ledger holds afterwards and
// whether the call changed the ledger.
func (l *Ledger) IngestLive(m Message) (Message, bool) {
	m.LocalEcho = false

	l.mu.Lock()
	defer l.mu.Unlock()

	if i := l.indexOfEchoLocked(m); i >= 0 {
		l.entries = append(l.entries[:i], l.entries[i+1:]...)
		l.insertLocked(m)
		return m, true
	}
	if i := l.indexOfLocked(m); i >= 0 {
		return l.entries[i], false
	}
	l.insertLocked(m)
	return m, true
}

// AppendLocal appends an optimistic entry authored by the local user. The
// entry is marked as a local echo until IngestLive observes its confirmed
// counterpart.
func (l *Ledger) AppendLocal(m Message) {
	m.LocalEcho = true
	l.mu.Lock()
	l.insertLocked(m)
	l.mu.Unlock()
}

// View returns a copy of the current ordered sequence.
func (l *Ledger) View() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Message, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// insertLocked places m at its ordered position, after any existing entries
// with the same timestamp so ties keep insertion order.
func (l *Ledger) insertLocked(m Message) {
	i := sort.Search(len(l.entries), func(i int) bool {
		return l.entries[i].Timestamp > m.Timestamp
	})
	l.entries = append(l.entries, Message{})
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = m
}

func (l *Ledger) indexOfLocked(m Message) int {
	for i, e := range l.entries {
		if l.same(e, m) {
			return i
		}
	}
	return -1
}

func (l *Ledger) indexOfEchoLocked(m Message) int {
	for i, e := range l.entries {
		if e.LocalEcho && l.same(e, m) {
			return i
		}
	}
	return -1
}
