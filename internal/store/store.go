// Package store persists pipeline state: sessions, document tasks,
// facility profiles, conflicts, and clarifications. Writes are
// last-write-wins per entity id.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/hammy15/snfalyze-sub014/internal/config"
	"github.com/hammy15/snfalyze-sub014/internal/model"
)

// Store defines the persistence interface for the pipeline.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s *model.Session) error
	UpdateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)

	// Tasks
	SaveTask(ctx context.Context, t *model.DocumentTask) error
	ListTasks(ctx context.Context, sessionID string) ([]model.DocumentTask, error)

	// Profiles. Owner is the session id, or the deal id when the batch
	// belongs to a deal, so later sessions can resume prior profiles.
	LoadProfiles(ctx context.Context, ownerID string) ([]*model.FacilityProfile, error)
	SaveProfile(ctx context.Context, ownerID string, p *model.FacilityProfile) error

	// Conflicts
	SaveConflict(ctx context.Context, c *model.Conflict) error
	ListConflicts(ctx context.Context, sessionID string) ([]model.Conflict, error)

	// Clarifications
	SaveClarification(ctx context.Context, c *model.Clarification) error
	GetClarification(ctx context.Context, id string) (*model.Clarification, error)
	ListClarifications(ctx context.Context, sessionID string) ([]model.Clarification, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// New creates a store from configuration.
func New(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL)
	case "sqlite", "":
		return NewSQLite(cfg.DatabaseURL)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}
