package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport closed")

// MemoryOptions configures redelivery for MemoryTransport.
type MemoryOptions struct {
	// AckWait is how long a delivered entry may stay unacknowledged before it
	// becomes eligible for redelivery. Zero disables redelivery.
	AckWait time.Duration
	// MaxDeliver stops redelivery after this many deliveries. Zero means unlimited.
	MaxDeliver int
}

// MemoryTransport is an in-process Transport with the same group semantics
// as the JetStream transport. It backs tests and single-process deployments.
type MemoryTransport struct {
	mu      sync.Mutex
	opts    MemoryOptions
	streams map[string]*memoryStream
	signal  chan struct{}
	closed  bool
	now     func() time.Time
}

const compactThreshold = 1024

// memoryStream keeps only entries some group still needs. base is the
// absolute index of entries[0]; group cursors and pending indexes are absolute.
type memoryStream struct {
	seq     uint64
	base    int
	entries []memoryEntry
	groups  map[string]*memoryGroup
}

type memoryEntry struct {
	id     string
	fields Fields
}

type memoryGroup struct {
	next    int
	pending map[string]*pendingEntry
}

type pendingEntry struct {
	index      int
	consumer   string
	deadline   time.Time
	deliveries int
}

// NewMemoryTransport creates an empty in-memory transport.
func NewMemoryTransport(opts MemoryOptions) *MemoryTransport {
	return &MemoryTransport{
		opts:    opts,
		streams: make(map[string]*memoryStream),
		signal:  make(chan struct{}),
		now:     time.Now,
	}
}

func (s *memoryStream) entry(index int) memoryEntry {
	return s.entries[index-s.base]
}

func (s *memoryStream) end() int {
	return s.base + len(s.entries)
}

// backlog counts the entries a group has not acknowledged yet.
func (s *memoryStream) backlog(g *memoryGroup) int {
	return s.end() - g.next + len(g.pending)
}

// compact drops the prefix every group has acknowledged. Nothing is dropped
// while the stream has no group, so a late group still sees the backlog.
func (s *memoryStream) compact() {
	if len(s.groups) == 0 {
		return
	}
	low := s.end()
	for _, g := range s.groups {
		low = min(low, g.next)
		for _, p := range g.pending {
			low = min(low, p.index)
		}
	}
	// Only a large or majority prefix is worth the copy.
	drop := low - s.base
	if drop <= 0 || (drop < compactThreshold && drop*2 < len(s.entries)) {
		return
	}
	s.entries = append([]memoryEntry(nil), s.entries[drop:]...)
	s.base = low
}

func (t *MemoryTransport) stream(name string) *memoryStream {
	s, ok := t.streams[name]
	if !ok {
		s = &memoryStream{groups: make(map[string]*memoryGroup)}
		t.streams[name] = s
	}
	return s
}

// broadcast wakes every blocked reader. Caller holds t.mu.
func (t *MemoryTransport) broadcast() {
	close(t.signal)
	t.signal = make(chan struct{})
}

func (t *MemoryTransport) Append(ctx context.Context, stream string, fields Fields) (string, error) {
	ids, err := t.AppendBatch(ctx, stream, []Fields{fields})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

func (t *MemoryTransport) AppendBatch(ctx context.Context, stream string, batch []Fields) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewTransportError("append", stream, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, NewTransportError("append", stream, ErrClosed)
	}

	s := t.stream(stream)
	ids := make([]string, 0, len(batch))
	for _, fields := range batch {
		s.seq++
		id := strconv.FormatUint(s.seq, 10)
		s.entries = append(s.entries, memoryEntry{id: id, fields: copyFields(fields)})
		ids = append(ids, id)
	}
	t.broadcast()
	return ids, nil
}

func (t *MemoryTransport) EnsureGroup(ctx context.Context, stream, group string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return NewTransportError("ensure group", stream, ErrClosed)
	}

	s := t.stream(stream)
	if _, ok := s.groups[group]; !ok {
		s.groups[group] = &memoryGroup{next: s.base, pending: make(map[string]*pendingEntry)}
	}
	return nil
}

func (t *MemoryTransport) ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Entry, error) {
	if count <= 0 {
		return nil, NewTransportError("read group", stream, fmt.Errorf("count must be positive: %d", count))
	}

	deadline := t.now().Add(block)
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil, NewTransportError("read group", stream, ErrClosed)
		}
		s, ok := t.streams[stream]
		var g *memoryGroup
		if ok {
			g = s.groups[group]
		}
		if g == nil {
			t.mu.Unlock()
			return nil, NewTransportError("read group", stream, fmt.Errorf("group %q does not exist", group))
		}

		now := t.now()
		entries := t.claim(s, g, consumer, count, now)
		wake := t.signal
		nextExpiry := t.nextExpiry(g)
		t.mu.Unlock()

		if len(entries) > 0 {
			return entries, nil
		}

		wait := deadline.Sub(now)
		if wait <= 0 {
			return nil, nil
		}
		if !nextExpiry.IsZero() && nextExpiry.Sub(now) < wait {
			wait = max(nextExpiry.Sub(now), time.Millisecond)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, NewTransportError("read group", stream, ctx.Err())
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// claim hands out expired pending entries first, then undelivered ones.
// Caller holds t.mu.
func (t *MemoryTransport) claim(s *memoryStream, g *memoryGroup, consumer string, count int, now time.Time) []Entry {
	var out []Entry

	if t.opts.AckWait > 0 {
		var expired []string
		dropped := false
		for id, p := range g.pending {
			if now.Before(p.deadline) {
				continue
			}
			if t.opts.MaxDeliver > 0 && p.deliveries >= t.opts.MaxDeliver {
				delete(g.pending, id)
				dropped = true
				continue
			}
			expired = append(expired, id)
		}
		if dropped {
			s.compact()
		}
		sort.Slice(expired, func(i, j int) bool {
			return g.pending[expired[i]].index < g.pending[expired[j]].index
		})
		for _, id := range expired {
			if len(out) == count {
				return out
			}
			p := g.pending[id]
			p.consumer = consumer
			p.deliveries++
			p.deadline = now.Add(t.opts.AckWait)
			out = append(out, Entry{ID: id, Fields: copyFields(s.entry(p.index).fields), Deliveries: p.deliveries})
		}
	}

	for len(out) < count && g.next < s.end() {
		e := s.entry(g.next)
		p := &pendingEntry{index: g.next, consumer: consumer, deliveries: 1}
		if t.opts.AckWait > 0 {
			p.deadline = now.Add(t.opts.AckWait)
		}
		g.pending[e.id] = p
		g.next++
		out = append(out, Entry{ID: e.id, Fields: copyFields(e.fields), Deliveries: 1})
	}
	return out
}

// nextExpiry returns the earliest redelivery deadline in the group.
// Caller holds t.mu.
func (t *MemoryTransport) nextExpiry(g *memoryGroup) time.Time {
	if t.opts.AckWait <= 0 {
		return time.Time{}
	}
	var next time.Time
	for _, p := range g.pending {
		if next.IsZero() || p.deadline.Before(next) {
			next = p.deadline
		}
	}
	return next
}

func (t *MemoryTransport) Ack(ctx context.Context, stream, group string, ids ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return NewTransportError("ack", stream, ErrClosed)
	}
	s, ok := t.streams[stream]
	if !ok {
		return nil
	}
	g, ok := s.groups[group]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	s.compact()
	return nil
}

// Pending returns the number of delivered but unacknowledged entries of a group.
func (t *MemoryTransport) Pending(stream, group string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.streams[stream]
	if !ok {
		return 0
	}
	g, ok := s.groups[group]
	if !ok {
		return 0
	}
	return len(g.pending)
}

// Len returns the backlog of the slowest group, or every retained entry
// while the stream has no group.
func (t *MemoryTransport) Len(ctx context.Context, stream string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, NewTransportError("len", stream, ErrClosed)
	}
	s, ok := t.streams[stream]
	if !ok {
		return 0, nil
	}
	if len(s.groups) == 0 {
		return int64(len(s.entries)), nil
	}
	var backlog int
	for _, g := range s.groups {
		backlog = max(backlog, s.backlog(g))
	}
	return int64(backlog), nil
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.closed {
		t.closed = true
		t.broadcast()
	}
	return nil
}

func copyFields(fields Fields) Fields {
	out := make(Fields, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
