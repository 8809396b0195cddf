package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/hammy15/snfalyze-sub014/internal/model"
	"github.com/hammy15/snfalyze-sub014/internal/resilience"
)

// Pool defines the minimal pgx pool surface used by PostgresStore, kept as
// an interface so tests can substitute pgxmock.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// Ensure PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool, used by tests.
func NewPostgresFromPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	deal_id    TEXT,
	status     TEXT NOT NULL DEFAULT 'queued',
	payload    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS document_tasks (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	status     TEXT NOT NULL DEFAULT 'queued',
	payload    JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS facility_profiles (
	id         TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL,
	payload    JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS conflicts (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'open',
	payload    JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS clarifications (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	payload    JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_tasks_session ON document_tasks(session_id);
CREATE INDEX IF NOT EXISTS idx_profiles_owner ON facility_profiles(owner_id);
CREATE INDEX IF NOT EXISTS idx_conflicts_session ON conflicts(session_id);
CREATE INDEX IF NOT EXISTS idx_clarifications_session ON clarifications(session_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess *model.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal session")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions (id, deal_id, status, payload, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		sess.ID, sess.DealID, string(sess.Status), payload, sess.CreatedAt, sess.UpdatedAt,
	)
	return eris.Wrap(err, "postgres: insert session")
}

func (s *PostgresStore) UpdateSession(ctx context.Context, sess *model.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal session")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status = $1, payload = $2, updated_at = $3 WHERE id = $4`,
		string(sess.Status), payload, time.Now().UTC(), sess.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update session %s", sess.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(resilience.ErrNotFound, "postgres: session %s", sess.ID)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM sessions WHERE id = $1`, id,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(resilience.ErrNotFound, "postgres: session %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get session %s", id)
	}
	var sess model.Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return nil, eris.Wrapf(err, "postgres: unmarshal session %s", id)
	}
	return &sess, nil
}

func (s *PostgresStore) SaveTask(ctx context.Context, t *model.DocumentTask) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal task")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO document_tasks (id, session_id, status, payload) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, payload = EXCLUDED.payload`,
		t.ID, t.SessionID, string(t.Status), payload,
	)
	return eris.Wrapf(err, "postgres: save task %s", t.ID)
}

func (s *PostgresStore) ListTasks(ctx context.Context, sessionID string) ([]model.DocumentTask, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM document_tasks WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list tasks for %s", sessionID)
	}
	defer rows.Close()

	var tasks []model.DocumentTask
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "postgres: scan task")
		}
		var t model.DocumentTask
		if err := json.Unmarshal(payload, &t); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal task")
		}
		tasks = append(tasks, t)
	}
	return tasks, eris.Wrap(rows.Err(), "postgres: iterate tasks")
}

func (s *PostgresStore) LoadProfiles(ctx context.Context, ownerID string) ([]*model.FacilityProfile, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM facility_profiles WHERE owner_id = $1`, ownerID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load profiles for %s", ownerID)
	}
	defer rows.Close()

	var profiles []*model.FacilityProfile
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "postgres: scan profile")
		}
		var p model.FacilityProfile
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal profile")
		}
		profiles = append(profiles, &p)
	}
	return profiles, eris.Wrap(rows.Err(), "postgres: iterate profiles")
}

func (s *PostgresStore) SaveProfile(ctx context.Context, ownerID string, p *model.FacilityProfile) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal profile")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO facility_profiles (id, owner_id, payload, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		p.ID, ownerID, payload, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: save profile %s", p.ID)
}

func (s *PostgresStore) SaveConflict(ctx context.Context, c *model.Conflict) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal conflict")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO conflicts (id, session_id, status, payload, updated_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		c.ID, c.SessionID, string(c.Status), payload, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: save conflict %s", c.ID)
}

func (s *PostgresStore) ListConflicts(ctx context.Context, sessionID string) ([]model.Conflict, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM conflicts WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list conflicts for %s", sessionID)
	}
	defer rows.Close()

	var conflicts []model.Conflict
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "postgres: scan conflict")
		}
		var c model.Conflict
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal conflict")
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, eris.Wrap(rows.Err(), "postgres: iterate conflicts")
}

func (s *PostgresStore) SaveClarification(ctx context.Context, c *model.Clarification) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal clarification")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO clarifications (id, session_id, status, payload, updated_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		c.ID, c.SessionID, string(c.Status), payload, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: save clarification %s", c.ID)
}

func (s *PostgresStore) GetClarification(ctx context.Context, id string) (*model.Clarification, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM clarifications WHERE id = $1`, id,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(resilience.ErrNotFound, "postgres: clarification %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get clarification %s", id)
	}
	var c model.Clarification
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, eris.Wrapf(err, "postgres: unmarshal clarification %s", id)
	}
	return &c, nil
}

func (s *PostgresStore) ListClarifications(ctx context.Context, sessionID string) ([]model.Clarification, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM clarifications WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list clarifications for %s", sessionID)
	}
	defer rows.Close()

	var out []model.Clarification
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "postgres: scan clarification")
		}
		var c model.Clarification
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal clarification")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate clarifications")
}
