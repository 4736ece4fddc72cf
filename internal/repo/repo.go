package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"statetrail/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalJSON(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalJSON(s string) map[string]any {
	if s == "" || s == "{}" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

const stateRecordCols = `id,entity_type,entity_id,org_id,state,previous_state,transition_name,triggered_by,context_json,denorm_json,reason,created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStateRecord(row rowScanner) (domain.StateRecord, error) {
	var (
		rec        domain.StateRecord
		prev, name sql.NullString
		trig       sql.NullInt64
		ctxJSON    string
		denJSON    string
	)
	err := row.Scan(&rec.ID, &rec.EntityType, &rec.EntityID, &rec.OrgID, &rec.State,
		&prev, &name, &trig, &ctxJSON, &denJSON, &rec.Reason, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if prev.Valid {
		rec.PreviousState = &prev.String
	}
	if name.Valid {
		rec.TransitionName = &name.String
	}
	if trig.Valid {
		rec.TriggeredBy = &trig.Int64
	}
	rec.ContextData = unmarshalJSON(ctxJSON)
	rec.Denormalized = unmarshalJSON(denJSON)
	return rec, nil
}

// InsertStateRecord appends one row to the state log. The log is
// insert-only; there is no update or delete counterpart.
func (r Repo) InsertStateRecord(ctx context.Context, rec domain.StateRecord) error {
	ctxJSON, err := marshalJSON(rec.ContextData)
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	denJSON, err := marshalJSON(rec.Denormalized)
	if err != nil {
		return fmt.Errorf("encode denormalized: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO state_records(`+stateRecordCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.EntityType, rec.EntityID, rec.OrgID, rec.State,
		rec.PreviousState, rec.TransitionName, rec.TriggeredBy,
		ctxJSON, denJSON, rec.Reason, rec.CreatedAt)
	return err
}

// LatestStateRecord returns the newest state row for an entity, relying on
// UUIDv7 ids sorting in insertion order.
func (r Repo) LatestStateRecord(ctx context.Context, entityType string, entityID int64) (domain.StateRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+stateRecordCols+` FROM state_records WHERE entity_type=? AND entity_id=? ORDER BY id DESC LIMIT 1`,
		entityType, entityID)
	return scanStateRecord(row)
}

// LatestStates returns the newest state row per entity id in one query.
// Missing entities are simply absent from the result.
func (r Repo) LatestStates(ctx context.Context, entityType string, ids []int64) (map[int64]domain.StateRecord, error) {
	if len(ids) == 0 {
		return map[int64]domain.StateRecord{}, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := []any{entityType}
	for _, id := range ids {
		args = append(args, id)
	}
	query := `SELECT ` + stateRecordCols + ` FROM state_records
		WHERE entity_type=? AND entity_id IN (` + placeholders + `)
		AND id = (SELECT MAX(id) FROM state_records s2 WHERE s2.entity_type=state_records.entity_type AND s2.entity_id=state_records.entity_id)`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[int64]domain.StateRecord{}
	for rows.Next() {
		rec, err := scanStateRecord(rows)
		if err != nil {
			return nil, err
		}
		res[rec.EntityID] = rec
	}
	return res, rows.Err()
}

// History returns up to limit state rows for an entity, newest first.
func (r Repo) History(ctx context.Context, entityType string, entityID int64, limit int) ([]domain.StateRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stateRecordCols+` FROM state_records WHERE entity_type=? AND entity_id=? ORDER BY id DESC LIMIT ?`,
		entityType, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StateRecord
	for rows.Next() {
		rec, err := scanStateRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// StatesInRange returns rows whose id falls in [loID, hiID], optionally
// filtered by state values. Time windows become id ranges because ids are
// UUIDv7.
func (r Repo) StatesInRange(ctx context.Context, entityType, loID, hiID string, states []string, limit int) ([]domain.StateRecord, error) {
	query := `SELECT ` + stateRecordCols + ` FROM state_records WHERE entity_type=? AND id BETWEEN ? AND ?`
	args := []any{entityType, loID, hiID}
	if len(states) > 0 {
		placeholders := strings.TrimRight(strings.Repeat("?,", len(states)), ",")
		query += ` AND state IN (` + placeholders + `)`
		for _, s := range states {
			args = append(args, s)
		}
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StateRecord
	for rows.Next() {
		rec, err := scanStateRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// RecordsSince returns rows with id strictly greater than afterID, oldest
// first. The webhook dispatcher uses this as its cursor scan.
func (r Repo) RecordsSince(ctx context.Context, afterID string, limit int) ([]domain.StateRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stateRecordCols+` FROM state_records WHERE id > ? ORDER BY id ASC LIMIT ?`,
		afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StateRecord
	for rows.Next() {
		rec, err := scanStateRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// CountByState groups rows in an id range by state value.
func (r Repo) CountByState(ctx context.Context, entityType, loID, hiID string) (map[string]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, COUNT(*) FROM state_records WHERE entity_type=? AND id BETWEEN ? AND ? GROUP BY state`,
		entityType, loID, hiID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int64{}
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		res[state] = n
	}
	return res, rows.Err()
}

func (r Repo) GetWebhookCursor(ctx context.Context) (string, error) {
	var id string
	err := r.DB.QueryRowContext(ctx, `SELECT last_record_id FROM webhook_cursor WHERE id=1`).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

func (r Repo) SetWebhookCursor(ctx context.Context, lastID string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_cursor(id,last_record_id) VALUES (1,?) ON CONFLICT(id) DO UPDATE SET last_record_id=excluded.last_record_id`, lastID)
	return err
}
