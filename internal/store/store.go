// Package store persists generation sessions in SQLite with a write-through
// in-process cache tier. Updates use optimistic concurrency: the session
// version column must match, which makes duplicate directive delivery an
// explicit stale-write error instead of a silent double transition.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"reelforge/internal/config"
	"reelforge/internal/session"
)

// ErrStale is returned when an update loses a version race. Callers that
// retry must re-read the session first.
var ErrStale = errors.New("session version is stale")

// Store manages session persistence backed by SQLite.
type Store struct {
	db    *sql.DB
	path  string
	cache *cache
}

// Open initializes or connects to the session database and applies the schema.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := filepath.Join(cfg.Paths.DataDir, "sessions.db")
	// Pragmas ride the DSN so every pooled connection gets them; applying
	// them with Exec would configure only the one connection that ran it,
	// and concurrent writers on the other connections would hit SQLITE_BUSY
	// with no timeout.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	store := &Store{db: db, path: dbPath, cache: newCache()}
	if err := store.applySchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location for diagnostics.
func (s *Store) Path() string {
	return s.path
}

// SaveSnapshot inserts a new session. The session's version is set to 1.
func (s *Store) SaveSnapshot(ctx context.Context, sess *session.Session) error {
	if sess == nil {
		return errors.New("session is nil")
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	sess.Version = 1

	outputs, configJSON, err := marshalBlobs(sess)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO sessions (
            id, owner_id, prompt, framework, brand_asset, stage, mode,
            awaiting, iterations, outputs_json, config_json, error_message,
            created_at, updated_at, version
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID,
		sess.OwnerID,
		sess.Prompt,
		nullableString(sess.Framework),
		nullableString(sess.BrandAsset),
		string(sess.Stage),
		string(sess.Mode),
		boolToInt(sess.Awaiting),
		sess.Iterations,
		outputs,
		configJSON,
		nullableString(sess.Error),
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		sess.Version,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	s.cache.put(sess)
	return nil
}

// LoadSnapshot fetches a session by identifier, preferring the cache tier.
// Returns nil when the session does not exist.
func (s *Store) LoadSnapshot(ctx context.Context, id string) (*session.Session, error) {
	if cached := s.cache.get(id); cached != nil {
		return cached, nil
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	s.cache.put(sess)
	return sess.Clone(), nil
}

// Update persists changes to an existing session using compare-and-swap on
// the version column. The caller's copy must carry the version it read;
// on success the version is incremented in place.
func (s *Store) Update(ctx context.Context, sess *session.Session) error {
	if sess == nil {
		return errors.New("session is nil")
	}
	outputs, _, err := marshalBlobs(sess)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	res, err := s.db.ExecContext(
		ctx,
		`UPDATE sessions
         SET stage = ?, awaiting = ?, iterations = ?, outputs_json = ?,
             error_message = ?, updated_at = ?, version = version + 1
         WHERE id = ? AND version = ?`,
		string(sess.Stage),
		boolToInt(sess.Awaiting),
		sess.Iterations,
		outputs,
		nullableString(sess.Error),
		now.Format(time.RFC3339Nano),
		sess.ID,
		sess.Version,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		s.cache.drop(sess.ID)
		return ErrStale
	}
	sess.UpdatedAt = now
	sess.Version++
	s.cache.put(sess)
	return nil
}

// WriteScore records a background score result under the session's reserved
// scores field. It retries version races internally since scores never
// conflict with orchestrator-owned fields semantically.
func (s *Store) WriteScore(ctx context.Context, id, subject string, score session.Score) error {
	for attempt := 0; attempt < 5; attempt++ {
		sess, err := s.LoadSnapshot(ctx, id)
		if err != nil {
			return err
		}
		if sess == nil {
			return fmt.Errorf("session %s: %w", id, errNoSession)
		}
		if sess.Outputs.Scores == nil {
			sess.Outputs.Scores = make(map[string]session.Score)
		}
		sess.Outputs.Scores[subject] = score
		err = s.Update(ctx, sess)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrStale) {
			return err
		}
	}
	return fmt.Errorf("write score for %s: %w", id, ErrStale)
}

// WriteFinalAsset records the assembled advertisement URL. Like WriteScore
// it retries version races; the final asset field is written only by the
// background runner.
func (s *Store) WriteFinalAsset(ctx context.Context, id, assetURL string) error {
	for attempt := 0; attempt < 5; attempt++ {
		sess, err := s.LoadSnapshot(ctx, id)
		if err != nil {
			return err
		}
		if sess == nil {
			return fmt.Errorf("session %s: %w", id, errNoSession)
		}
		sess.Outputs.FinalAsset = assetURL
		err = s.Update(ctx, sess)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrStale) {
			return err
		}
	}
	return fmt.Errorf("write final asset for %s: %w", id, ErrStale)
}

var errNoSession = errors.New("session not found")

// List returns sessions filtered by stage set (or all sessions when no
// stage is provided), ordered by creation time.
func (s *Store) List(ctx context.Context, stages ...session.Stage) ([]*session.Session, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + sessionColumns + ` FROM sessions`
	orderClause := ` ORDER BY created_at`

	if len(stages) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(stages))
		args := make([]any, len(stages))
		for i, stage := range stages {
			args[i] = string(stage)
		}
		rows, err = s.db.QueryContext(ctx, baseQuery+` WHERE stage IN (`+placeholders+`)`+orderClause, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Active returns sessions that have not reached a terminal stage.
func (s *Store) Active(ctx context.Context) ([]*session.Session, error) {
	return s.List(ctx,
		session.StagePending,
		session.StageStory,
		session.StageReferences,
		session.StageScenes,
		session.StageVideos,
	)
}

// Stats returns a count of sessions grouped by stage.
func (s *Store) Stats(ctx context.Context) (map[session.Stage]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stage, COUNT(1) FROM sessions GROUP BY stage`)
	if err != nil {
		return nil, fmt.Errorf("session stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[session.Stage]int)
	for rows.Next() {
		var stage string
		var count int
		if err := rows.Scan(&stage, &count); err != nil {
			return nil, err
		}
		stats[session.Stage(stage)] = count
	}
	return stats, rows.Err()
}

// Remove deletes a session by identifier.
func (s *Store) Remove(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	s.cache.drop(id)
	return affected > 0, nil
}

const sessionColumns = "id, owner_id, prompt, framework, brand_asset, stage, mode, awaiting, iterations, outputs_json, config_json, error_message, created_at, updated_at, version"

func scanSession(scanner interface{ Scan(dest ...any) error }) (*session.Session, error) {
	var (
		id          string
		ownerID     sql.NullString
		prompt      sql.NullString
		framework   sql.NullString
		brandAsset  sql.NullString
		stageStr    string
		modeStr     sql.NullString
		awaiting    sql.NullInt64
		iterations  sql.NullInt64
		outputsJSON sql.NullString
		configJSON  sql.NullString
		errMessage  sql.NullString
		createdRaw  sql.NullString
		updatedRaw  sql.NullString
		version     int64
	)

	if err := scanner.Scan(
		&id,
		&ownerID,
		&prompt,
		&framework,
		&brandAsset,
		&stageStr,
		&modeStr,
		&awaiting,
		&iterations,
		&outputsJSON,
		&configJSON,
		&errMessage,
		&createdRaw,
		&updatedRaw,
		&version,
	); err != nil {
		return nil, err
	}

	sess := &session.Session{
		ID:         id,
		OwnerID:    ownerID.String,
		Prompt:     prompt.String,
		Framework:  framework.String,
		BrandAsset: brandAsset.String,
		Stage:      session.Stage(stageStr),
		Mode:       session.Mode(modeStr.String),
		Awaiting:   awaiting.Valid && awaiting.Int64 != 0,
		Iterations: int(iterations.Int64),
		Error:      errMessage.String,
		Version:    version,
	}
	if outputsJSON.Valid && outputsJSON.String != "" {
		if err := json.Unmarshal([]byte(outputsJSON.String), &sess.Outputs); err != nil {
			return nil, fmt.Errorf("decode outputs for %s: %w", id, err)
		}
	}
	if configJSON.Valid && configJSON.String != "" {
		if err := json.Unmarshal([]byte(configJSON.String), &sess.Config); err != nil {
			return nil, fmt.Errorf("decode run config for %s: %w", id, err)
		}
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		sess.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		sess.UpdatedAt = updated
	}
	return sess, nil
}

func marshalBlobs(sess *session.Session) (string, string, error) {
	outputs, err := json.Marshal(sess.Outputs)
	if err != nil {
		return "", "", fmt.Errorf("marshal outputs: %w", err)
	}
	configJSON, err := json.Marshal(sess.Config)
	if err != nil {
		return "", "", fmt.Errorf("marshal run config: %w", err)
	}
	return string(outputs), string(configJSON), nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
