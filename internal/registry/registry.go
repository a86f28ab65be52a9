package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// WebSessionID is the session the web client writes to. It always exists
// and cannot be deleted.
const WebSessionID = "00000000-0000-0000-0000-000000000001"

type Source string

const (
	SourceWeb      Source = "web"
	SourceTerminal Source = "terminal"
	SourceUnknown  Source = "unknown"
)

type Record struct {
	ID           string    `json:"id"`
	Source       Source    `json:"source"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	MessageCount int       `json:"messageCount"`
	Protected    bool      `json:"protected,omitempty"`
}

// Registry tracks sessions known to this process. Session files are not
// touched.
type Registry interface {
	Create(source Source) Record
	Ensure(id string, source Source) Record
	Get(id string) (Record, bool)
	Touch(id string) (Record, bool)
	Delete(id string) bool
	List() []Record
	ReapIdle(ttl time.Duration) []string
}

type Memory struct {
	mu       sync.Mutex
	sessions map[string]*Record
	now      func() time.Time
}

var _ Registry = (*Memory)(nil)

func NewMemory() *Memory {
	return newMemory(time.Now)
}

func newMemory(now func() time.Time) *Memory {
	m := &Memory{sessions: map[string]*Record{}, now: now}
	started := m.now()
	m.sessions[WebSessionID] = &Record{
		ID:           WebSessionID,
		Source:       SourceWeb,
		CreatedAt:    started,
		LastActivity: started,
		Protected:    true,
	}
	return m
}

func (m *Memory) Create(source Source) Record {
	return m.Ensure(uuid.NewString(), source)
}

// Ensure registers id if it is unknown and returns its record.
func (m *Memory) Ensure(id string, source Source) Record {
	if source == "" {
		source = SourceUnknown
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.sessions[id]; ok {
		return *rec
	}
	now := m.now()
	rec := &Record{ID: id, Source: source, CreatedAt: now, LastActivity: now}
	m.sessions[id] = rec
	return *rec
}

func (m *Memory) Get(id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Touch records one more message for id.
func (m *Memory) Touch(id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return Record{}, false
	}
	rec.LastActivity = m.now()
	rec.MessageCount++
	return *rec, true
}

func (m *Memory) Delete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok || rec.Protected {
		return false
	}
	delete(m.sessions, id)
	return true
}

// List returns every record, most recent activity first.
func (m *Memory) List() []Record {
	m.mu.Lock()
	out := make([]Record, 0, len(m.sessions))
	for _, rec := range m.sessions {
		out = append(out, *rec)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out
}

// ReapIdle forgets sessions idle for longer than ttl and returns their ids.
func (m *Memory) ReapIdle(ttl time.Duration) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-ttl)
	var reaped []string
	for id, rec := range m.sessions {
		if rec.Protected || rec.LastActivity.After(cutoff) {
			continue
		}
		delete(m.sessions, id)
		reaped = append(reaped, id)
	}
	sort.Strings(reaped)
	return reaped
}

func IsProtected(id string) bool {
	return id == WebSessionID
}
