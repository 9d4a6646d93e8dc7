package store

import (
	"context"
	"time"
)

// =============================================================================
// Records
// =============================================================================

// StackRecord is a persisted applied topology.
type StackRecord struct {
	Name        string
	ApplyID     string // ID of the most recent apply
	Declaration string // raw declaration document
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// EntityKind classifies a persisted runtime entity.
type EntityKind string

const (
	KindService EntityKind = "service"
	KindNetwork EntityKind = "network"
	KindVolume  EntityKind = "volume"
)

// EntityRecord is a runtime entity created for a stack, with its creation
// timestamp for the query interface.
type EntityRecord struct {
	Stack     string
	Kind      EntityKind
	Name      string
	RuntimeID string // container/network ID or volume name
	CreatedAt time.Time
}

// PhaseRecord is one service phase transition.
type PhaseRecord struct {
	Stack   string
	Service string
	Phase   string
	Detail  string // error message for failed, empty otherwise
	At      time.Time
}

// =============================================================================
// Store Interface
// =============================================================================

// Store persists stacks, their entities, and service phase history.
// The orchestrator is the only writer; the API reads.
type Store interface {
	// Stack operations
	SaveStack(ctx context.Context, stack *StackRecord) error
	GetStack(ctx context.Context, name string) (*StackRecord, error)
	ListStacks(ctx context.Context) ([]StackRecord, error)
	DeleteStack(ctx context.Context, name string) error

	// Entity operations
	UpsertEntity(ctx context.Context, entity *EntityRecord) error
	ListEntities(ctx context.Context, stack string) ([]EntityRecord, error)
	DeleteEntities(ctx context.Context, stack string) error

	// Phase history operations
	RecordPhase(ctx context.Context, rec *PhaseRecord) error
	ListPhases(ctx context.Context, stack, service string, limit int) ([]PhaseRecord, error)

	// Lifecycle
	Close() error
}
