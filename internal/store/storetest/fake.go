// Package storetest provides an in-memory Store implementation for unit
// tests. It models just enough of the store's semantics (TTL bookkeeping,
// consumer-group pending lists, MINID trims) for the registries, the
// consumer manager and the broadcast engine to be tested without Redis.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dnewmon/broadcast-socket-sub000/internal/store"
)

type pendingEntry struct {
	consumer  string
	delivered time.Time
}

type fakeGroup struct {
	lastDelivered string
	pending       map[string]*pendingEntry
}

type fakeStream struct {
	entries []store.StreamEntry
	groups  map[string]*fakeGroup
}

type subscription struct {
	pattern string
	ch      chan store.PubSubMessage
	done    chan struct{}
}

// Fake is an in-memory store.Store. The zero value is not usable; create
// with New. The clock is injectable so tests can age stream entries and
// pending lists deterministically.
type Fake struct {
	mu      sync.Mutex
	now     func() time.Time
	offset  time.Duration
	kv      map[string][]byte
	ttls    map[string]time.Duration
	sets    map[string]map[string]struct{}
	hashes  map[string]map[string]string
	streams map[string]*fakeStream
	subs    []*subscription
	seq     int64
	lastMs  int64
	failErr error
	closed  bool
}

var _ store.Store = (*Fake)(nil)

func New() *Fake {
	f := &Fake{
		kv:      make(map[string][]byte),
		ttls:    make(map[string]time.Duration),
		sets:    make(map[string]map[string]struct{}),
		hashes:  make(map[string]map[string]string),
		streams: make(map[string]*fakeStream),
	}
	f.now = func() time.Time { return time.Now().Add(f.offset) }
	return f
}

// Advance shifts the fake's clock by d, which may be negative. Entry IDs
// minted afterwards and idle-time calculations observe the shifted clock.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offset += d
}

// Fail makes every subsequent operation return err until cleared with nil.
func (f *Fake) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failErr = err
}

// TTLOf reports the last TTL applied to key, or zero if none was set.
func (f *Fake) TTLOf(key string) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ttls[key]
}

func (f *Fake) guard() error {
	if f.closed {
		return store.ErrClosed
	}
	return f.failErr
}

func (f *Fake) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(); err != nil {
		return err
	}
	f.kv[key] = append([]byte(nil), value...)
	f.ttls[key] = ttl
	return nil
}

func (f *Fake) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(); err != nil {
		return nil, err
	}
	val, ok := f.kv[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), val...), nil
}

func (f *Fake) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(); err != nil {
		return err
	}
	for _, key := range keys {
		delete(f.kv, key)
		delete(f.sets, key)
		delete(f.hashes, key)
		delete(f.ttls, key)
	}
	return nil
}

func (f *Fake) Expire(ctx context.Context, key string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(); err != nil {
		return err
	}
	f.ttls[key] = ttl
	return nil
}

func (f *Fake) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(); err != nil {
		return 0, err
	}
	val := int64(0)
	if raw, ok := f.kv[key]; ok {
		parsed, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: not an integer", store.ErrUnavailable)
		}
		val = parsed
	}
	val++
	f.kv[key] = []byte(strconv.FormatInt(val, 10))
	if val == 1 {
		f.ttls[key] = ttl
	}
	return val, nil
}

func (f *Fake) SAdd(ctx context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(); err != nil {
		return err
	}
	set, ok := f.sets[key]
	if !ok {
		set = make(map[string]struct{})
		f.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (f *Fake) SMembers(ctx context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(); err != nil {
		return nil, err
	}
	members := make([]string, 0, len(f.sets[key]))
	for m := range f.sets[key] {
		members = append(members, m)
	}
	sort.Strings(members)
	return members, nil
}

func (f *Fake) HSet(ctx context.Context, key string, fields map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(); err != nil {
		return err
	}
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = fmt.Sprint(v)
	}
	return nil
}

func (f *Fake) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(); err != nil {
		return nil, err
	}
	h, ok := f.hashes[key]
	if !ok || len(h) == 0 {
		return nil, store.ErrNotFound
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out, nil
}

func (f *Fake) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(); err != nil {
		return 0, err
	}
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	val, _ := strconv.ParseInt(h[field], 10, 64)
	val += delta
	h[field] = strconv.FormatInt(val, 10)
	return val, nil
}

func (f *Fake) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	for key := range f.kv {
		seen[key] = struct{}{}
	}
	for key := range f.sets {
		seen[key] = struct{}{}
	}
	for key := range f.hashes {
		seen[key] = struct{}{}
	}
	for key := range f.streams {
		seen[key] = struct{}{}
	}
	var keys []string
	for key := range seen {
		if globMatch(pattern, key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *Fake) Publish(ctx context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(); err != nil {
		return err
	}
	msg := store.PubSubMessage{Channel: channel, Payload: append([]byte(nil), payload...)}
	for _, sub := range f.subs {
		if !globMatch(sub.pattern, channel) {
			continue
		}
		m := msg
		m.Pattern = sub.pattern
		select {
		case sub.ch <- m:
		default:
		}
	}
	return nil
}

func (f *Fake) Subscribe(pattern string, buffer int) (<-chan store.PubSubMessage, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(); err != nil {
		return nil, nil, err
	}
	sub := &subscription{
		pattern: pattern,
		ch:      make(chan store.PubSubMessage, buffer),
		done:    make(chan struct{}),
	}
	f.subs = append(f.subs, sub)
	stop := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, s := range f.subs {
			if s == sub {
				f.subs = append(f.subs[:i], f.subs[i+1:]...)
				close(sub.ch)
				break
			}
		}
	}
	return sub.ch, stop, nil
}

func (f *Fake) nextID() string {
	ms := f.now().UnixMilli()
	if ms <= f.lastMs {
		f.seq++
	} else {
		f.lastMs = ms
		f.seq = 0
	}
	return fmt.Sprintf("%d-%d", f.lastMs, f.seq)
}

func (f *Fake) XAdd(ctx context.Context, streamKey string, fields map[string]interface{}, maxLen int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(); err != nil {
		return "", err
	}
	s := f.stream(streamKey)
	id := f.nextID()
	entry := store.StreamEntry{ID: id, Fields: make(map[string]string, len(fields))}
	for k, v := range fields {
		entry.Fields[k] = fmt.Sprint(v)
	}
	s.entries = append(s.entries, entry)
	if maxLen > 0 && int64(len(s.entries)) > maxLen {
		drop := int64(len(s.entries)) - maxLen
		s.entries = s.entries[drop:]
	}
	return id, nil
}

func (f *Fake) stream(key string) *fakeStream {
	s, ok := f.streams[key]
	if !ok {
		s = &fakeStream{groups: make(map[string]*fakeGroup)}
		f.streams[key] = s
	}
	return s
}

func (f *Fake) XGroupCreate(ctx context.Context, streamKey, group, startID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(); err != nil {
		return err
	}
	s := f.stream(streamKey)
	if _, exists := s.groups[group]; exists {
		return store.ErrConflict
	}
	last := "0-0"
	if startID == "$" && len(s.entries) > 0 {
		last = s.entries[len(s.entries)-1].ID
	}
	s.groups[group] = &fakeGroup{
		lastDelivered: last,
		pending:       make(map[string]*pendingEntry),
	}
	return nil
}

func (f *Fake) XGroupDestroy(ctx context.Context, streamKey, group string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(); err != nil {
		return err
	}
	if s, ok := f.streams[streamKey]; ok {
		delete(s.groups, group)
	}
	return nil
}

func (f *Fake) XReadGroup(ctx context.Context, group, consumer string, streams []string, id string, count int64, block time.Duration) ([]store.StreamResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(); err != nil {
		return nil, err
	}
	var results []store.StreamResult
	for _, streamKey := range streams {
		s, ok := f.streams[streamKey]
		if !ok {
			return nil, fmt.Errorf("%w: NOGROUP no such stream %s", store.ErrUnavailable, streamKey)
		}
		g, ok := s.groups[group]
		if !ok {
			return nil, fmt.Errorf("%w: NOGROUP no such group %s on %s", store.ErrUnavailable, group, streamKey)
		}

		var entries []store.StreamEntry
		if id == ">" {
			for _, e := range s.entries {
				if count > 0 && int64(len(entries)) >= count {
					break
				}
				if idLess(g.lastDelivered, e.ID) {
					entries = append(entries, e)
					g.lastDelivered = e.ID
					g.pending[e.ID] = &pendingEntry{consumer: consumer, delivered: f.now()}
				}
			}
		} else {
			// Pending read: this consumer's delivered-but-unacked entries.
			ids := make([]string, 0, len(g.pending))
			for pid, p := range g.pending {
				if p.consumer == consumer {
					ids = append(ids, pid)
				}
			}
			sort.Slice(ids, func(i, j int) bool { return idLess(ids[i], ids[j]) })
			for _, pid := range ids {
				if count > 0 && int64(len(entries)) >= count {
					break
				}
				entry, ok := findEntry(s.entries, pid)
				if !ok {
					// Entry trimmed out from under the pending list.
					delete(g.pending, pid)
					continue
				}
				entries = append(entries, entry)
			}
		}
		if len(entries) > 0 {
			results = append(results, store.StreamResult{Stream: streamKey, Entries: entries})
		}
	}
	return results, nil
}

func (f *Fake) XPending(ctx context.Context, streamKey, group string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(); err != nil {
		return 0, err
	}
	s, ok := f.streams[streamKey]
	if !ok {
		return 0, nil
	}
	g, ok := s.groups[group]
	if !ok {
		return 0, nil
	}
	return int64(len(g.pending)), nil
}

func (f *Fake) XPendingList(ctx context.Context, streamKey, group string, count int64) ([]store.PendingInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(); err != nil {
		return nil, err
	}
	s, ok := f.streams[streamKey]
	if !ok {
		return nil, nil
	}
	g, ok := s.groups[group]
	if !ok {
		return nil, nil
	}
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return idLess(ids[i], ids[j]) })
	infos := make([]store.PendingInfo, 0, len(ids))
	for _, id := range ids {
		if count > 0 && int64(len(infos)) >= count {
			break
		}
		p := g.pending[id]
		infos = append(infos, store.PendingInfo{
			ID:       id,
			Consumer: p.consumer,
			Idle:     f.now().Sub(p.delivered),
		})
	}
	return infos, nil
}

func (f *Fake) XAck(ctx context.Context, streamKey, group string, ids ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(); err != nil {
		return err
	}
	s, ok := f.streams[streamKey]
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
	return nil
}

func (f *Fake) XClaim(ctx context.Context, streamKey, group, consumer string, minIdle time.Duration, ids []string) ([]store.StreamEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(); err != nil {
		return nil, err
	}
	s, ok := f.streams[streamKey]
	if !ok {
		return nil, nil
	}
	g, ok := s.groups[group]
	if !ok {
		return nil, nil
	}
	var claimed []store.StreamEntry
	for _, id := range ids {
		p, ok := g.pending[id]
		if !ok || f.now().Sub(p.delivered) < minIdle {
			continue
		}
		entry, ok := findEntry(s.entries, id)
		if !ok {
			delete(g.pending, id)
			continue
		}
		p.consumer = consumer
		p.delivered = f.now()
		claimed = append(claimed, entry)
	}
	return claimed, nil
}

func (f *Fake) XLen(ctx context.Context, streamKey string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(); err != nil {
		return 0, err
	}
	if s, ok := f.streams[streamKey]; ok {
		return int64(len(s.entries)), nil
	}
	return 0, nil
}

func (f *Fake) XTrimMinID(ctx context.Context, streamKey, minID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.guard(); err != nil {
		return err
	}
	s, ok := f.streams[streamKey]
	if !ok {
		return nil
	}
	kept := s.entries[:0]
	for _, e := range s.entries {
		if !idLess(e.ID, minID) {
			kept = append(kept, e)
		}
	}
	s.entries = kept
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for _, sub := range f.subs {
		close(sub.ch)
	}
	f.subs = nil
	return nil
}

func findEntry(entries []store.StreamEntry, id string) (store.StreamEntry, bool) {
	for _, e := range entries {
		if e.ID == id {
			return e, true
		}
	}
	return store.StreamEntry{}, false
}

// idLess compares two stream entry IDs ("{ms}-{seq}") numerically.
func idLess(a, b string) bool {
	ams, aseq := splitID(a)
	bms, bseq := splitID(b)
	if ams != bms {
		return ams < bms
	}
	return aseq < bseq
}

func splitID(id string) (int64, int64) {
	ms := id
	seq := int64(0)
	if i := strings.IndexByte(id, '-'); i >= 0 {
		ms = id[:i]
		seq, _ = strconv.ParseInt(id[i+1:], 10, 64)
	}
	parsed, _ := strconv.ParseInt(ms, 10, 64)
	return parsed, seq
}

// globMatch supports the '*' wildcard, which is all the gateway's scan and
// subscribe patterns use.
func globMatch(pattern, s string) bool {
	if pattern == "*" {
		return true
	}
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(s, parts[i])
		if idx < 0 {
			return false
		}
		s = s[idx+len(parts[i]):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}
