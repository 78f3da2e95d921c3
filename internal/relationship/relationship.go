// Package relationship links homeowners to the agents and lenders working
// for them. Edges are soft-deleted through their status.
package relationship

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"homebase.io/internal/audit"
	"homebase.io/internal/directory"
)

// Status of a client relationship.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusRemoved  Status = "removed"
)

func (s Status) Valid() bool {
	return s == StatusActive || s == StatusInactive || s == StatusRemoved
}

var (
	ErrNotFound     = errors.New("relationship: not found")
	ErrInvalidInput = errors.New("relationship: invalid input")
)

const auditResource = "client_relationships"

// Relationship is a homeowner<->professional edge.
type Relationship struct {
	HomeownerID      string                `json:"homeowner_id"`
	ProfessionalID   string                `json:"professional_id"`
	ProfessionalRole directory.PrimaryRole `json:"professional_role"`
	Status           Status                `json:"status"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
}

// Store persists relationships. UpsertRelationship creates the edge or
// overwrites its status, keeping CreatedAt.
type Store interface {
	UpsertRelationship(ctx context.Context, rel Relationship) (Relationship, error)
	UpdateRelationshipStatus(ctx context.Context, homeownerID, professionalID string, role directory.PrimaryRole, status Status, at time.Time) (Relationship, error)
	FindRelationship(ctx context.Context, homeownerID, professionalID string, role directory.PrimaryRole) (Relationship, error)
	ListRelationships(ctx context.Context, filter Filter) ([]Relationship, error)
}

// Filter selects relationships. At least one of the ids is set.
type Filter struct {
	HomeownerID    string
	ProfessionalID string
	Status         Status
}

type Service struct {
	store   Store
	auditor audit.Recorder
	now     func() time.Time
}

type Option func(*Service)

func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

func WithAuditor(a audit.Recorder) Option {
	return func(s *Service) { s.auditor = a }
}

func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("relationship store is required")
	}
	s := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Link creates an active relationship, or reactivates an existing one.
func (s *Service) Link(ctx context.Context, actorID, homeownerID, professionalID string, role directory.PrimaryRole) (Relationship, error) {
	homeownerID = strings.TrimSpace(homeownerID)
	professionalID = strings.TrimSpace(professionalID)
	if homeownerID == "" || professionalID == "" {
		return Relationship{}, fmt.Errorf("%w: homeowner_id and professional_id are required", ErrInvalidInput)
	}
	if homeownerID == professionalID {
		return Relationship{}, fmt.Errorf("%w: a user cannot be their own client", ErrInvalidInput)
	}
	if !role.Professional() {
		return Relationship{}, fmt.Errorf("%w: professional role must be agent or lender", ErrInvalidInput)
	}
	now := s.now().UTC()
	rel, err := s.store.UpsertRelationship(ctx, Relationship{
		HomeownerID:      homeownerID,
		ProfessionalID:   professionalID,
		ProfessionalRole: role,
		Status:           StatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
	if err != nil {
		return Relationship{}, err
	}
	if err := s.record(ctx, actorID, audit.ActionRelationshipLinked, rel, ""); err != nil {
		return Relationship{}, err
	}
	return rel, nil
}

// SetStatus changes the status of an existing relationship.
func (s *Service) SetStatus(ctx context.Context, actorID, homeownerID, professionalID string, role directory.PrimaryRole, status Status) (Relationship, error) {
	homeownerID = strings.TrimSpace(homeownerID)
	professionalID = strings.TrimSpace(professionalID)
	if homeownerID == "" || professionalID == "" || !role.Professional() {
		return Relationship{}, fmt.Errorf("%w: homeowner, professional and role are required", ErrInvalidInput)
	}
	if !status.Valid() {
		return Relationship{}, fmt.Errorf("%w: unsupported status %q", ErrInvalidInput, status)
	}
	rel, err := s.store.UpdateRelationshipStatus(ctx, homeownerID, professionalID, role, status, s.now().UTC())
	if err != nil {
		return Relationship{}, err
	}
	if err := s.record(ctx, actorID, audit.ActionRelationshipStatusChanged, rel, "status="+string(status)); err != nil {
		return Relationship{}, err
	}
	return rel, nil
}

// FindActive reports whether an active relationship of the given role exists.
func (s *Service) FindActive(ctx context.Context, homeownerID, professionalID string, role directory.PrimaryRole) (bool, error) {
	rel, err := s.store.FindRelationship(ctx, strings.TrimSpace(homeownerID), strings.TrimSpace(professionalID), role)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rel.Status == StatusActive, nil
}

func (s *Service) ListForHomeowner(ctx context.Context, homeownerID string, status Status) ([]Relationship, error) {
	homeownerID = strings.TrimSpace(homeownerID)
	if homeownerID == "" {
		return nil, fmt.Errorf("%w: homeowner_id is required", ErrInvalidInput)
	}
	return s.store.ListRelationships(ctx, Filter{HomeownerID: homeownerID, Status: status})
}

func (s *Service) ListForProfessional(ctx context.Context, professionalID string, status Status) ([]Relationship, error) {
	professionalID = strings.TrimSpace(professionalID)
	if professionalID == "" {
		return nil, fmt.Errorf("%w: professional_id is required", ErrInvalidInput)
	}
	return s.store.ListRelationships(ctx, Filter{ProfessionalID: professionalID, Status: status})
}

func (s *Service) record(ctx context.Context, actorID, action string, rel Relationship, extra string) error {
	if s.auditor == nil {
		return nil
	}
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		actorID = rel.HomeownerID
	}
	detail := fmt.Sprintf("professional=%s role=%s", rel.ProfessionalID, rel.ProfessionalRole)
	if extra != "" {
		detail += " " + extra
	}
	_, err := s.auditor.Record(ctx, actorID, action, auditResource, rel.HomeownerID, detail)
	return err
}
