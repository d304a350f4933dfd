package state

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// MockJournal is an in-memory Journal for testing
type MockJournal struct {
	mu      sync.Mutex
	records map[string]*SagaRecord

	// Error injection
	SaveError error

	// Call tracking
	SaveCalls   []string
	LoadCalls   []string
	DeleteCalls []string
}

// NewMockJournal creates an empty mock journal
func NewMockJournal() *MockJournal {
	return &MockJournal{records: make(map[string]*SagaRecord)}
}

// Load implements Journal
func (m *MockJournal) Load(key string) (*SagaRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LoadCalls = append(m.LoadCalls, key)
	rec, ok := m.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// Save implements Journal
func (m *MockJournal) Save(rec *SagaRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec == nil {
		return errors.New("record cannot be nil")
	}
	m.SaveCalls = append(m.SaveCalls, rec.Key)
	if m.SaveError != nil {
		return m.SaveError
	}
	rec.UpdatedAt = time.Now()
	m.records[rec.Key] = cloneRecord(rec)
	return nil
}

// Delete implements Journal
func (m *MockJournal) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteCalls = append(m.DeleteCalls, key)
	delete(m.records, key)
	return nil
}

// List implements Journal
func (m *MockJournal) List() ([]*SagaRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*SagaRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Key < out[b].Key })
	return out, nil
}

// Start implements Journal
func (m *MockJournal) Start(kind SagaKind, key string, steps []string) *SagaRecord {
	return newRecord(kind, key, steps, time.Now())
}

// CompleteStep implements Journal
func (m *MockJournal) CompleteStep(rec *SagaRecord, attempt int) error {
	completeStep(rec, attempt, time.Now())
	return m.Save(rec)
}

// FailStep implements Journal
func (m *MockJournal) FailStep(rec *SagaRecord, attempt int, err error) error {
	failStep(rec, attempt, err, time.Now())
	return m.Save(rec)
}

// SkipStep implements Journal
func (m *MockJournal) SkipStep(rec *SagaRecord, attempt int, err error) error {
	skipStep(rec, attempt, err, time.Now())
	return m.Save(rec)
}

// Finish implements Journal
func (m *MockJournal) Finish(rec *SagaRecord) error {
	rec.Status = SagaStatusCompleted
	rec.Error = ""
	return m.Save(rec)
}

// Put stores a record directly, e.g. to simulate an interrupted run
func (m *MockJournal) Put(rec *SagaRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Key] = cloneRecord(rec)
}

func cloneRecord(rec *SagaRecord) *SagaRecord {
	out := *rec
	out.Steps = append([]string(nil), rec.Steps...)
	out.History = append([]StepEvent(nil), rec.History...)
	out.Data = make(map[string]string, len(rec.Data))
	for k, v := range rec.Data {
		out.Data[k] = v
	}
	return &out
}
