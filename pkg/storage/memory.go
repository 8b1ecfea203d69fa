package storage

import (
	"fmt"
	"sync"

	"github.com/tanmoysrt/rdsagent/pkg/types"
)

// MemoryStore is an in-process Store used by tests that don't need a real
// bbolt file on disk.
type MemoryStore struct {
	mu       sync.Mutex
	services map[string]*types.LocalServiceRecord
	jobs     map[string]*types.JobRecord
	ca       []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		services: make(map[string]*types.LocalServiceRecord),
		jobs:     make(map[string]*types.JobRecord),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateService(rec *types.LocalServiceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.services[rec.ID] = &cp
	return nil
}

func (m *MemoryStore) GetService(id string) (*types.LocalServiceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.services[id]
	if !ok {
		return nil, fmt.Errorf("service record not found: %s", id)
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) ListServices() ([]*types.LocalServiceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.LocalServiceRecord, 0, len(m.services))
	for _, rec := range m.services {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) DeleteService(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.services, id)
	return nil
}

func (m *MemoryStore) CreateJob(job *types.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemoryStore) GetJob(id string) (*types.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job record not found: %s", id)
	}
	cp := *job
	return &cp, nil
}

func (m *MemoryStore) ListJobs() ([]*types.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.JobRecord, 0, len(m.jobs))
	for _, job := range m.jobs {
		cp := *job
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) UpdateJob(job *types.JobRecord) error {
	return m.CreateJob(job)
}

func (m *MemoryStore) SaveCA(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ca = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStore) GetCA() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ca == nil {
		return nil, fmt.Errorf("no CA material stored")
	}
	return append([]byte(nil), m.ca...), nil
}
