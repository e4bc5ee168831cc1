package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/domainscope/domainscope/pkg/resource"
)

// Memory is a process local Registry.
type Memory struct {
	mu     sync.RWMutex
	byName map[string]*memDomain
	byID   map[string]*memDomain
}

type memDomain struct {
	d            resource.Domain
	lastAccessed time.Time
}

var _ Registry = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		byName: make(map[string]*memDomain),
		byID:   make(map[string]*memDomain),
	}
}

func (m *Memory) Resolve(_ context.Context, name string) (resource.Domain, error) {
	m.mu.RLock()
	e, ok := m.byName[name]
	m.mu.RUnlock()
	if ok {
		return e.d, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.byName[name]; ok {
		return e.d, nil
	}
	e = &memDomain{d: resource.Domain{ID: uuid.NewString(), Name: name}}
	m.byName[name] = e
	m.byID[e.d.ID] = e
	return e.d, nil
}

func (m *Memory) LastAccessed(_ context.Context, domainID string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byID[domainID]
	if !ok {
		return time.Time{}, false, ErrUnknownDomain
	}
	return e.lastAccessed, !e.lastAccessed.IsZero(), nil
}

func (m *Memory) Touch(_ context.Context, domainID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[domainID]
	if !ok {
		return ErrUnknownDomain
	}
	if at.After(e.lastAccessed) {
		e.lastAccessed = at
	}
	return nil
}
