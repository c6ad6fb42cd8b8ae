package remote

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mindjournal/syncd/internal/store/schema"
)

// Memory is an in-process remote service. It assigns server ids and strictly
// increasing creation times per collection, and supports failure injection.
type Memory struct {
	mu    sync.Mutex
	ready bool
	now   func() time.Time

	docs     map[schema.Collection][]schema.RemoteRecord
	lastTime map[schema.Collection]int64
	nextID   int

	failNext   map[schema.Collection][]error
	failAlways map[schema.Collection]error
	createHook func(ctx context.Context, c schema.Collection)

	calls map[schema.Collection]*Calls
}

// Calls counts the remote calls made for one collection.
type Calls struct {
	Create    int
	Delete    int
	ListSince int
}

// NewMemory returns a ready in-memory remote service.
func NewMemory() *Memory {
	return &Memory{
		ready:      true,
		now:        time.Now,
		docs:       make(map[schema.Collection][]schema.RemoteRecord),
		lastTime:   make(map[schema.Collection]int64),
		failNext:   make(map[schema.Collection][]error),
		failAlways: make(map[schema.Collection]error),
		calls:      make(map[schema.Collection]*Calls),
	}
}

// SetReady toggles whether the client reports itself ready.
func (m *Memory) SetReady(ready bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = ready
}

// SetClock overrides the time source used for creation times.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// FailNext makes the next len(errs) mutations on c fail with the given errors.
func (m *Memory) FailNext(c schema.Collection, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext[c] = append(m.failNext[c], errs...)
}

// FailAlways makes every call on c fail with err until cleared with nil.
func (m *Memory) FailAlways(c schema.Collection, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failAlways, c)
		return
	}
	m.failAlways[c] = err
}

// OnCreate installs a hook that runs at the start of every Create call,
// outside the lock. Tests use it to hold a sync pass open.
func (m *Memory) OnCreate(hook func(ctx context.Context, c schema.Collection)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createHook = hook
}

// Seed stores a document with an explicit creation time, as if another
// device had created it.
func (m *Memory) Seed(c schema.Collection, id string, creationTime int64, fields map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[c] = append(m.docs[c], schema.RemoteRecord{ID: id, CreationTime: creationTime, Fields: fields})
	if creationTime > m.lastTime[c] {
		m.lastTime[c] = creationTime
	}
}

// Docs returns a copy of the stored documents for c, oldest first.
func (m *Memory) Docs(c schema.Collection) []schema.RemoteRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]schema.RemoteRecord, len(m.docs[c]))
	copy(out, m.docs[c])
	return out
}

// CallCount returns the calls made so far for c.
func (m *Memory) CallCount(c schema.Collection) Calls {
	m.mu.Lock()
	defer m.mu.Unlock()
	if calls, ok := m.calls[c]; ok {
		return *calls
	}
	return Calls{}
}

// Ready reports whether the client can accept calls.
func (m *Memory) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// Create stores doc and returns its server id.
func (m *Memory) Create(ctx context.Context, c schema.Collection, doc map[string]any) (string, error) {
	m.mu.Lock()
	hook := m.createHook
	m.mu.Unlock()
	if hook != nil {
		hook(ctx, c)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.count(c).Create++
	if err := m.injected(c); err != nil {
		return "", err
	}

	created := m.now().UnixMilli()
	if created <= m.lastTime[c] {
		created = m.lastTime[c] + 1
	}
	m.lastTime[c] = created
	m.nextID++

	fields := make(map[string]any, len(doc))
	for k, v := range doc {
		fields[k] = v
	}
	id := familyPrefix(c) + strconv.Itoa(m.nextID)
	m.docs[c] = append(m.docs[c], schema.RemoteRecord{ID: id, CreationTime: created, Fields: fields})
	return id, nil
}

// Delete removes a document. Deleting an unknown id succeeds.
func (m *Memory) Delete(ctx context.Context, c schema.Collection, serverID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count(c).Delete++
	if err := m.injected(c); err != nil {
		return err
	}

	docs := m.docs[c]
	for i, d := range docs {
		if d.ID == serverID {
			m.docs[c] = append(docs[:i:i], docs[i+1:]...)
			break
		}
	}
	return nil
}

// ListSince returns up to limit documents created strictly after since,
// oldest first.
func (m *Memory) ListSince(ctx context.Context, c schema.Collection, since int64, limit int) ([]schema.RemoteRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count(c).ListSince++
	if err, ok := m.failAlways[c]; ok {
		return nil, err
	}

	var out []schema.RemoteRecord
	for _, d := range m.docs[c] {
		if d.CreationTime > since {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreationTime < out[j].CreationTime })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) count(c schema.Collection) *Calls {
	calls, ok := m.calls[c]
	if !ok {
		calls = &Calls{}
		m.calls[c] = calls
	}
	return calls
}

// injected pops the next injected mutation failure for c. Caller holds mu.
func (m *Memory) injected(c schema.Collection) error {
	if err, ok := m.failAlways[c]; ok {
		return err
	}
	if queue := m.failNext[c]; len(queue) > 0 {
		m.failNext[c] = queue[1:]
		return queue[0]
	}
	return nil
}

func familyPrefix(c schema.Collection) string {
	switch c.Family() {
	case schema.FamilyMoods:
		return "m"
	case schema.FamilyProgress:
		return "p"
	case schema.FamilyChat:
		return "c"
	}
	return fmt.Sprintf("%s-", c)
}
