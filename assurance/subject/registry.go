package subject

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/LerianStudio/lib-assurance/assurance"
)

// Registry resolves subject references against an external identity source.
// Resolution failures surface as validation errors at entity-creation time;
// reads never re-resolve.
type Registry interface {
	Resolve(ctx context.Context, tenantID uuid.UUID, ref Ref) error
}

// AllowAllRegistry accepts every well-formed reference. It is the default
// when no identity source is wired.
type AllowAllRegistry struct{}

// Resolve validates shape only.
func (AllowAllRegistry) Resolve(_ context.Context, _ uuid.UUID, ref Ref) error {
	return ref.Validate()
}

// StaticRegistry resolves only references registered in advance. Intended for
// tests and small installations without an identity service.
type StaticRegistry struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]map[Ref]struct{}
}

// NewStaticRegistry creates an empty StaticRegistry.
func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{entries: make(map[uuid.UUID]map[Ref]struct{})}
}

// Register adds a reference for a tenant. Invalid references are rejected.
func (s *StaticRegistry) Register(tenantID uuid.UUID, ref Ref) error {
	if err := ref.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tenant, ok := s.entries[tenantID]
	if !ok {
		tenant = make(map[Ref]struct{})
		s.entries[tenantID] = tenant
	}

	tenant[ref] = struct{}{}

	return nil
}

// Resolve reports whether the reference was registered for the tenant.
func (s *StaticRegistry) Resolve(_ context.Context, tenantID uuid.UUID, ref Ref) error {
	if err := ref.Validate(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.entries[tenantID][ref]; !ok {
		return assurance.NewValidationError("subject", "ref", fmt.Sprintf("subject %s is not known to the registry", ref))
	}

	return nil
}
