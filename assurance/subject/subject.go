// Package subject models the polymorphic (kind, id) references used for
// anchors, counterparties, obligors, beneficiaries, actors, and allocation
// targets, plus the Registry port that resolves them.
package subject

import (
	"fmt"
	"strings"

	"github.com/LerianStudio/lib-assurance/assurance"
)

// Kind classifies what a subject reference points at. Built-in kinds cover
// the platform's own identity types; anything else uses the custom_ prefix.
type Kind string

const (
	// KindUser references a platform user.
	KindUser Kind = "user"
	// KindOrganization references an organization or merchant.
	KindOrganization Kind = "organization"
	// KindSystem references an internal system actor (sweeper, dispatcher).
	KindSystem Kind = "system"
)

// CustomKindPrefix marks tenant-defined subject kinds, e.g. "custom_warehouse".
const CustomKindPrefix = assurance.CustomTokenPrefix

// ParseKind validates a raw kind string: a built-in value or a custom_ kind
// with a non-empty lowercase suffix.
func ParseKind(raw string) (Kind, error) {
	switch Kind(raw) {
	case KindUser, KindOrganization, KindSystem:
		return Kind(raw), nil
	}

	if err := assurance.ValidateCustomToken("subject", "kind", raw); err != nil {
		return "", err
	}

	return Kind(raw), nil
}

// IsCustom reports whether the kind uses the custom_ escape hatch.
func (k Kind) IsCustom() bool {
	return strings.HasPrefix(string(k), CustomKindPrefix)
}

// Ref is an opaque reference to an external identity. The engine never
// interprets ID beyond equality; existence checks go through a Registry.
type Ref struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

// New builds a validated Ref.
func New(kind Kind, id string) (Ref, error) {
	ref := Ref{Kind: kind, ID: id}
	if err := ref.Validate(); err != nil {
		return Ref{}, err
	}

	return ref, nil
}

// MustNew builds a validated Ref and panics when the pair is malformed.
// Intended for tests and static wiring.
func MustNew(kind Kind, id string) Ref {
	ref, err := New(kind, id)
	if err != nil {
		panic(err)
	}

	return ref
}

// IsZero reports whether the reference is completely absent.
func (r Ref) IsZero() bool {
	return r.Kind == "" && r.ID == ""
}

// Validate checks the reference is complete and well-formed. A half-set pair
// (kind without id, or id without kind) is a shape error, never treated as
// absent.
func (r Ref) Validate() error {
	if r.IsZero() {
		return assurance.NewValidationError("subject", "ref", "subject reference is required")
	}

	if r.Kind == "" || strings.TrimSpace(r.ID) == "" {
		return assurance.NewValidationError("subject", "ref", "subject kind and id must both be set")
	}

	if _, err := ParseKind(string(r.Kind)); err != nil {
		return err
	}

	return nil
}

// String renders "kind:id" for logs and event payloads.
func (r Ref) String() string {
	return string(r.Kind) + ":" + r.ID
}

// Parse reverses String: splits "kind:id" and validates the result.
func Parse(raw string) (Ref, error) {
	kindPart, idPart, found := strings.Cut(raw, ":")
	if !found {
		return Ref{}, assurance.NewValidationError("subject", "ref", fmt.Sprintf("subject reference %q must have the form kind:id", raw))
	}

	kind, err := ParseKind(kindPart)
	if err != nil {
		return Ref{}, err
	}

	return New(kind, idPart)
}

// ValidateOptional applies the all-or-nothing pair rule to an optional
// reference: nil is absent, non-nil must be complete.
func ValidateOptional(ref *Ref) error {
	if ref == nil {
		return nil
	}

	return ref.Validate()
}
