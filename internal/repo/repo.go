package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"planline/internal/domain"
)

// Store is the narrow keyed-store surface consumers read sessions through.
// Repo is its sqlite implementation; the backing store is swappable without
// touching the engine.
type Store interface {
	GetSession(ctx context.Context, id string) (domain.Session, error)
	ListSessions(ctx context.Context) ([]domain.Session, error)
	ListRevisions(ctx context.Context, sessionID string) ([]domain.Revision, error)
	ListEvents(ctx context.Context, sessionID string, limit int) ([]domain.Event, error)
}

type Repo struct {
	DB *sql.DB
}

var _ Store = Repo{}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertSessionTx(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	snapJSON, planJSON, err := marshalSession(s)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO sessions(id,status,snapshot_json,plan_json,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		s.ID, s.Status, snapJSON, planJSON, s.CreatedAt, s.UpdatedAt)
	return err
}

// UpdateSessionTx commits a new snapshot/plan pair for a session.
func (r Repo) UpdateSessionTx(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	snapJSON, planJSON, err := marshalSession(s)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET status=?,snapshot_json=?,plan_json=?,updated_at=? WHERE id=?`,
		s.Status, snapJSON, planJSON, s.UpdatedAt, s.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetSessionStatusTx(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE sessions SET status=?,updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,status,snapshot_json,plan_json,created_at,updated_at FROM sessions WHERE id=?`, id)
	return scanSession(row.Scan)
}

func (r Repo) ListSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,status,snapshot_json,plan_json,created_at,updated_at FROM sessions ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func scanSession(scan func(dest ...any) error) (domain.Session, error) {
	var (
		s        domain.Session
		snapJSON string
		planJSON sql.NullString
	)
	err := scan(&s.ID, &s.Status, &snapJSON, &planJSON, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(snapJSON), &s.Snapshot); err != nil {
		return s, fmt.Errorf("unmarshal session %s snapshot: %w", s.ID, err)
	}
	if planJSON.Valid && planJSON.String != "" {
		var p domain.Plan
		if err := json.Unmarshal([]byte(planJSON.String), &p); err != nil {
			return s, fmt.Errorf("unmarshal session %s plan: %w", s.ID, err)
		}
		s.Plan = &p
	}
	return s, nil
}

func marshalSession(s domain.Session) (string, any, error) {
	snapJSON, err := json.Marshal(s.Snapshot)
	if err != nil {
		return "", nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	var planJSON any
	if s.Plan != nil {
		data, err := json.Marshal(s.Plan)
		if err != nil {
			return "", nil, fmt.Errorf("marshal plan: %w", err)
		}
		planJSON = string(data)
	}
	return string(snapJSON), planJSON, nil
}

func (r Repo) NextRevisionSeq(ctx context.Context, sessionID string) (int, error) {
	var seq sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(seq) FROM revisions WHERE session_id=?`, sessionID).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return int(seq.Int64) + 1, nil
}

func (r Repo) InsertRevisionTx(ctx context.Context, tx *sql.Tx, rev domain.Revision) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO revisions(session_id,seq,intent,params_json,applied_at) VALUES (?,?,?,?,?)`,
		rev.SessionID, rev.Seq, rev.Intent, rev.Params, rev.AppliedAt)
	return err
}

func (r Repo) ListRevisions(ctx context.Context, sessionID string) ([]domain.Revision, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,session_id,seq,intent,params_json,applied_at FROM revisions WHERE session_id=? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Revision
	for rows.Next() {
		var rev domain.Revision
		if err := rows.Scan(&rev.ID, &rev.SessionID, &rev.Seq, &rev.Intent, &rev.Params, &rev.AppliedAt); err != nil {
			return nil, err
		}
		res = append(res, rev)
	}
	return res, rows.Err()
}

func (r Repo) ListEvents(ctx context.Context, sessionID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,ts,type,COALESCE(session_id,''),payload_json FROM events`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id=?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.SessionID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
