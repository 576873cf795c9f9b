package repository

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HailBahafi/KeyGuard-sub002/internal/models"
)

// MemoryStore keeps devices, enrollment codes and audit events in process.
// It backs single-instance deployments and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	devices map[uuid.UUID]*models.Device
	byKeyID map[string]uuid.UUID
	codes   map[uuid.UUID]*models.EnrollmentCode
	events  []*models.AuditEvent
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices: make(map[uuid.UUID]*models.Device),
		byKeyID: make(map[string]uuid.UUID),
		codes:   make(map[uuid.UUID]*models.EnrollmentCode),
	}
}

func cloneDevice(d *models.Device) *models.Device {
	c := *d
	c.PublicKey = bytes.Clone(d.PublicKey)
	c.Metadata = bytes.Clone(d.Metadata)
	if d.RevokedAt != nil {
		t := *d.RevokedAt
		c.RevokedAt = &t
	}
	return &c
}

// GetByID retrieves a device by its UUID.
func (s *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[id]
	if !ok {
		return nil, nil
	}
	return cloneDevice(d), nil
}

// GetByKeyID retrieves a device by its signing key id.
func (s *MemoryStore) GetByKeyID(_ context.Context, keyID string) (*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKeyID[keyID]
	if !ok {
		return nil, nil
	}
	return cloneDevice(s.devices[id]), nil
}

// ListByAPIKey lists every device enrolled under an API key, newest first.
func (s *MemoryStore) ListByAPIKey(_ context.Context, apiKeyID uuid.UUID) ([]*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Device
	for _, d := range s.devices {
		if d.APIKeyID == apiKeyID {
			out = append(out, cloneDevice(d))
		}
	}
	slices.SortFunc(out, func(a, b *models.Device) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

// UpdateStatus moves a device to status.
func (s *MemoryStore) UpdateStatus(_ context.Context, id uuid.UUID, status models.DeviceStatus) (*models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !d.Status.CanTransition(status) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, d.Status, status)
	}
	if status.Live() && !d.Status.Live() {
		for _, other := range s.devices {
			if other.ID != id && other.APIKeyID == d.APIKeyID && other.Fingerprint == d.Fingerprint && other.Status.Live() {
				return nil, ErrDuplicateFingerprint
			}
		}
	}

	now := time.Now().UTC()
	d.Status = status
	d.UpdatedAt = now
	if status == models.DeviceStatusRevoked {
		d.RevokedAt = &now
	}
	return cloneDevice(d), nil
}

// CreateCode stores a new enrollment code.
func (s *MemoryStore) CreateCode(_ context.Context, code *models.EnrollmentCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if code.ID == uuid.Nil {
		code.ID = uuid.New()
	}
	for _, c := range s.codes {
		if bytes.Equal(c.CodeHash, code.CodeHash) {
			return fmt.Errorf("enrollment code hash collision")
		}
	}
	code.CreatedAt = time.Now().UTC()
	c := *code
	s.codes[code.ID] = &c
	return nil
}

// Enroll consumes the code and inserts the device under the store lock.
func (s *MemoryStore) Enroll(_ context.Context, p EnrollParams) (*EnrollResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := cloneDevice(p.Device)

	var code *models.EnrollmentCode
	if p.CodeHash != nil {
		for _, c := range s.codes {
			if bytes.Equal(c.CodeHash, p.CodeHash) {
				code = c
				break
			}
		}
		switch {
		case code == nil:
			return nil, ErrCodeNotFound
		case code.Consumed():
			return nil, ErrCodeConsumed
		case code.Expired(p.Now):
			return nil, ErrCodeExpired
		}
		d.APIKeyID = code.APIKeyID
	}

	if _, taken := s.byKeyID[d.KeyID]; taken {
		return nil, ErrKeyIDConflict
	}

	var holders []*models.Device
	for _, existing := range s.devices {
		if existing.APIKeyID == d.APIKeyID && existing.Fingerprint == d.Fingerprint && existing.Status.Live() {
			holders = append(holders, existing)
		}
	}
	if len(holders) > 0 && p.Policy != FingerprintSupersede {
		return nil, ErrDuplicateFingerprint
	}

	superseded := make([]*models.Device, 0, len(holders))
	for _, h := range holders {
		now := p.Now
		h.Status = models.DeviceStatusRevoked
		h.UpdatedAt = now
		h.RevokedAt = &now
		superseded = append(superseded, cloneDevice(h))
	}

	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.CreatedAt = p.Now
	d.UpdatedAt = p.Now
	s.devices[d.ID] = d
	s.byKeyID[d.KeyID] = d.ID

	if code != nil {
		now := p.Now
		code.ConsumedAt = &now
		code.ConsumedBy = &d.ID
	}

	p.Device.ID = d.ID
	p.Device.APIKeyID = d.APIKeyID
	p.Device.CreatedAt = d.CreatedAt
	p.Device.UpdatedAt = d.UpdatedAt

	var result EnrollResult
	result.Device = cloneDevice(d)
	if len(superseded) > 0 {
		result.Superseded = superseded
	}
	return &result, nil
}

// Insert records an audit event.
func (s *MemoryStore) Insert(_ context.Context, event *models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := *event
	s.events = append(s.events, &e)
	return nil
}

// Events returns a snapshot of recorded audit events.
func (s *MemoryStore) Events() []models.AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.AuditEvent, len(s.events))
	for i, e := range s.events {
		out[i] = *e
	}
	return out
}

var (
	_ DeviceRepository     = (*MemoryStore)(nil)
	_ EnrollmentRepository = (*MemoryStore)(nil)
	_ AuditRepository      = (*MemoryStore)(nil)
)
