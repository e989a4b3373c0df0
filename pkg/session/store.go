package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dougsko/k4d/pkg/config"
	"github.com/dougsko/k4d/pkg/protocol"
)

// Store persists radio configurations and the active radio id
type Store interface {
	ListRadios() ([]protocol.RadioConfig, error)
	GetRadio(id string) (protocol.RadioConfig, error)
	CreateRadio(rc protocol.RadioConfig) error
	UpdateRadio(rc protocol.RadioConfig) error
	// DeleteRadio rejects removing the last radio with ErrConfigInvariantViolation
	DeleteRadio(id string) error
	MarkConnected(id string, at time.Time) error
	ActiveID() (string, error)
	SetActiveID(id string) error
}

// MemoryStore is a Store kept in memory
type MemoryStore struct {
	mu     sync.RWMutex
	radios map[string]protocol.RadioConfig
	order  []string
	active string
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{radios: make(map[string]protocol.RadioConfig)}
}

// ListRadios implements Store
func (m *MemoryStore) ListRadios() ([]protocol.RadioConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]protocol.RadioConfig, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.radios[id])
	}
	return out, nil
}

// GetRadio implements Store
func (m *MemoryStore) GetRadio(id string) (protocol.RadioConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rc, ok := m.radios[id]
	if !ok {
		return protocol.RadioConfig{}, fmt.Errorf("%w: %s", protocol.ErrRadioNotFound, id)
	}
	return rc, nil
}

// CreateRadio implements Store
func (m *MemoryStore) CreateRadio(rc protocol.RadioConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.radios[rc.ID]; ok {
		return fmt.Errorf("radio %s already exists", rc.ID)
	}
	m.radios[rc.ID] = rc
	m.order = append(m.order, rc.ID)
	return nil
}

// UpdateRadio implements Store
func (m *MemoryStore) UpdateRadio(rc protocol.RadioConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.radios[rc.ID]; !ok {
		return fmt.Errorf("%w: %s", protocol.ErrRadioNotFound, rc.ID)
	}
	m.radios[rc.ID] = rc
	return nil
}

// DeleteRadio implements Store
func (m *MemoryStore) DeleteRadio(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.radios[id]; !ok {
		return fmt.Errorf("%w: %s", protocol.ErrRadioNotFound, id)
	}
	if len(m.radios) == 1 {
		return fmt.Errorf("%w: cannot delete the only configured radio", protocol.ErrConfigInvariantViolation)
	}
	delete(m.radios, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if m.active == id {
		m.active = ""
	}
	return nil
}

// MarkConnected implements Store
func (m *MemoryStore) MarkConnected(id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rc, ok := m.radios[id]
	if !ok {
		return fmt.Errorf("%w: %s", protocol.ErrRadioNotFound, id)
	}
	rc.LastConnected = &at
	m.radios[id] = rc
	return nil
}

// ActiveID implements Store
func (m *MemoryStore) ActiveID() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active, nil
}

// SetActiveID implements Store
func (m *MemoryStore) SetActiveID(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = id
	return nil
}

// ValidateRadio checks the fields a connection needs
func ValidateRadio(rc protocol.RadioConfig) error {
	if rc.Name == "" {
		return fmt.Errorf("%w: radio name is required", protocol.ErrInvalidCommandValue)
	}
	if rc.Host == "" {
		return fmt.Errorf("%w: radio host is required", protocol.ErrInvalidCommandValue)
	}
	if rc.Port < 1 || rc.Port > 65535 {
		return fmt.Errorf("%w: radio port %d out of range", protocol.ErrInvalidCommandValue, rc.Port)
	}
	return nil
}

// Seed inserts the configured radios when the store is empty, so the
// collection is never empty once the daemon is running
func Seed(store Store, cfg *config.Config) error {
	existing, err := store.ListRadios()
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	entries := cfg.Radios
	if len(entries) == 0 {
		entries = config.Default().Radios
	}
	for _, e := range entries {
		rc := protocol.RadioConfig{
			ID:          uuid.NewString(),
			Name:        e.Name,
			Host:        e.Host,
			Port:        e.Port,
			Password:    e.Password,
			Enabled:     !e.Disabled,
			Description: e.Description,
		}
		if err := ValidateRadio(rc); err != nil {
			return fmt.Errorf("invalid radio %q in config: %w", e.Name, err)
		}
		if err := store.CreateRadio(rc); err != nil {
			return err
		}
	}
	return nil
}
