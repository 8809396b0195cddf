package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/hammy15/snfalyze-sub014/internal/model"
	"github.com/hammy15/snfalyze-sub014/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		dsn = "snfalyze.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	deal_id      TEXT,
	status       TEXT NOT NULL DEFAULT 'queued',
	payload      TEXT NOT NULL,
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS document_tasks (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	status     TEXT NOT NULL DEFAULT 'queued',
	payload    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS facility_profiles (
	id         TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL,
	payload    TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS conflicts (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'open',
	payload    TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS clarifications (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'pending',
	payload    TEXT NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_tasks_session ON document_tasks(session_id);
CREATE INDEX IF NOT EXISTS idx_profiles_owner ON facility_profiles(owner_id);
CREATE INDEX IF NOT EXISTS idx_conflicts_session ON conflicts(session_id);
CREATE INDEX IF NOT EXISTS idx_clarifications_session ON clarifications(session_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *model.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal session")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, deal_id, status, payload, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.DealID, string(sess.Status), string(payload), sess.CreatedAt, sess.UpdatedAt,
	)
	return eris.Wrap(err, "sqlite: insert session")
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *model.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal session")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, payload = ?, updated_at = ? WHERE id = ?`,
		string(sess.Status), string(payload), time.Now().UTC(), sess.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update session %s", sess.ID)
	}
	return checkRowsAffected(res, "session", sess.ID)
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM sessions WHERE id = ?`, id,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(resilience.ErrNotFound, "sqlite: session %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get session %s", id)
	}
	var sess model.Session
	if err := json.Unmarshal([]byte(payload), &sess); err != nil {
		return nil, eris.Wrapf(err, "sqlite: unmarshal session %s", id)
	}
	return &sess, nil
}

func (s *SQLiteStore) SaveTask(ctx context.Context, t *model.DocumentTask) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal task")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO document_tasks (id, session_id, status, payload) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, payload = excluded.payload`,
		t.ID, t.SessionID, string(t.Status), string(payload),
	)
	return eris.Wrapf(err, "sqlite: save task %s", t.ID)
}

func (s *SQLiteStore) ListTasks(ctx context.Context, sessionID string) ([]model.DocumentTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM document_tasks WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list tasks for %s", sessionID)
	}
	defer rows.Close()

	var tasks []model.DocumentTask
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan task")
		}
		var t model.DocumentTask
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal task")
		}
		tasks = append(tasks, t)
	}
	return tasks, eris.Wrap(rows.Err(), "sqlite: iterate tasks")
}

func (s *SQLiteStore) LoadProfiles(ctx context.Context, ownerID string) ([]*model.FacilityProfile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM facility_profiles WHERE owner_id = ?`, ownerID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load profiles for %s", ownerID)
	}
	defer rows.Close()

	var profiles []*model.FacilityProfile
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan profile")
		}
		var p model.FacilityProfile
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal profile")
		}
		profiles = append(profiles, &p)
	}
	return profiles, eris.Wrap(rows.Err(), "sqlite: iterate profiles")
}

func (s *SQLiteStore) SaveProfile(ctx context.Context, ownerID string, p *model.FacilityProfile) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal profile")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO facility_profiles (id, owner_id, payload, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		p.ID, ownerID, string(payload), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: save profile %s", p.ID)
}

func (s *SQLiteStore) SaveConflict(ctx context.Context, c *model.Conflict) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal conflict")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conflicts (id, session_id, status, payload, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, payload = excluded.payload, updated_at = excluded.updated_at`,
		c.ID, c.SessionID, string(c.Status), string(payload), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: save conflict %s", c.ID)
}

func (s *SQLiteStore) ListConflicts(ctx context.Context, sessionID string) ([]model.Conflict, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM conflicts WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list conflicts for %s", sessionID)
	}
	defer rows.Close()

	var conflicts []model.Conflict
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan conflict")
		}
		var c model.Conflict
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal conflict")
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, eris.Wrap(rows.Err(), "sqlite: iterate conflicts")
}

func (s *SQLiteStore) SaveClarification(ctx context.Context, c *model.Clarification) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal clarification")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO clarifications (id, session_id, status, payload, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, payload = excluded.payload, updated_at = excluded.updated_at`,
		c.ID, c.SessionID, string(c.Status), string(payload), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: save clarification %s", c.ID)
}

func (s *SQLiteStore) GetClarification(ctx context.Context, id string) (*model.Clarification, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM clarifications WHERE id = ?`, id,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(resilience.ErrNotFound, "sqlite: clarification %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get clarification %s", id)
	}
	var c model.Clarification
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return nil, eris.Wrapf(err, "sqlite: unmarshal clarification %s", id)
	}
	return &c, nil
}

func (s *SQLiteStore) ListClarifications(ctx context.Context, sessionID string) ([]model.Clarification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM clarifications WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list clarifications for %s", sessionID)
	}
	defer rows.Close()

	var out []model.Clarification
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan clarification")
		}
		var c model.Clarification
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal clarification")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate clarifications")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: rows affected for %s %s", entity, id)
	}
	if n == 0 {
		return eris.Wrapf(resilience.ErrNotFound, "sqlite: %s %s", entity, id)
	}
	return nil
}
