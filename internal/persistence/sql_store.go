package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/sagaflow/pkg/api"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name     string
	blobType string
	numbered bool // $1, $2 placeholders instead of ?
}

var (
	sqliteDialect   = dialect{name: "sqlite", blobType: "BLOB"}
	postgresDialect = dialect{name: "postgres", blobType: "BYTEA", numbered: true}
)

// rebind rewrites ? placeholders for dialects with numbered parameters.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqlStore is the Store implementation shared by SQLiteStore and
// PostgresStore. The full record is stored as JSON next to the columns
// needed for filtering.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

func (s *sqlStore) initSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS saga_instances (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			finished_at BIGINT NOT NULL DEFAULT 0,
			record %s NOT NULL
		)`, s.d.blobType),
		`CREATE INDEX IF NOT EXISTS idx_saga_instances_workflow ON saga_instances(workflow_id, state)`,
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS saga_archived_instances (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			archived_at BIGINT NOT NULL,
			record %s NOT NULL
		)`, s.d.blobType),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS saga_checkpoints (
			instance_id TEXT NOT NULL,
			name TEXT NOT NULL,
			data %s NOT NULL,
			PRIMARY KEY (instance_id, name)
		)`, s.d.blobType),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s schema: %w", s.d.name, err)
		}
	}
	return nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func (s *sqlStore) isArchived(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT 1 FROM saga_archived_instances WHERE id = ?`), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *sqlStore) SaveInstance(ctx context.Context, rec *api.InstanceRecord) error {
	data, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	archived, err := s.isArchived(ctx, rec.InstanceID)
	if err != nil {
		return err
	}
	if archived {
		return ErrArchived
	}

	_, err = s.db.ExecContext(ctx, s.d.rebind(`
		INSERT INTO saga_instances (id, workflow_id, state, created_at, finished_at, record)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			workflow_id = excluded.workflow_id,
			state = excluded.state,
			finished_at = excluded.finished_at,
			record = excluded.record`),
		rec.InstanceID,
		rec.WorkflowID,
		string(rec.State),
		unixNano(rec.CreatedAt),
		unixNano(rec.FinishedAt),
		data,
	)
	return err
}

func (s *sqlStore) LoadInstance(ctx context.Context, id string) (*api.InstanceRecord, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT record FROM saga_instances WHERE id = ?`), id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInstanceNotFound
		}
		return nil, err
	}
	return DecodeRecord(data)
}

func (s *sqlStore) DeleteInstance(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.d.rebind(`DELETE FROM saga_instances WHERE id = ?`), id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.d.rebind(`DELETE FROM saga_checkpoints WHERE instance_id = ?`), id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) ListInstances(ctx context.Context, filter api.ListFilter) ([]*api.InstanceRecord, error) {
	query := `SELECT record FROM saga_instances`
	var args []any
	var clauses []string

	if filter.WorkflowID != "" {
		clauses = append(clauses, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if len(filter.States) > 0 {
		marks := make([]string, len(filter.States))
		for i, st := range filter.States {
			marks[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, "state IN ("+strings.Join(marks, ", ")+")")
	}
	if !filter.FinishedBefore.IsZero() {
		clauses = append(clauses, "finished_at > 0 AND finished_at < ?")
		args = append(args, filter.FinishedBefore.UnixNano())
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.d.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.InstanceRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		rec, err := DecodeRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqlStore) ArchiveInstance(ctx context.Context, rec *api.InstanceRecord) error {
	data, err := EncodeRecord(rec)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.d.rebind(`
		INSERT INTO saga_archived_instances (id, workflow_id, archived_at, record)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET archived_at = excluded.archived_at, record = excluded.record`),
		rec.InstanceID, rec.WorkflowID, time.Now().UnixNano(), data,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.d.rebind(`DELETE FROM saga_instances WHERE id = ?`), rec.InstanceID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.d.rebind(`DELETE FROM saga_checkpoints WHERE instance_id = ?`), rec.InstanceID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) SaveCheckpoint(ctx context.Context, instanceID string, cp api.Checkpoint) error {
	data, err := EncodeCheckpoint(cp)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.d.rebind(`
		INSERT INTO saga_checkpoints (instance_id, name, data)
		VALUES (?, ?, ?)
		ON CONFLICT (instance_id, name) DO UPDATE SET data = excluded.data`),
		instanceID, cp.Name, data,
	)
	return err
}

func (s *sqlStore) LoadCheckpoint(ctx context.Context, instanceID, name string) (api.Checkpoint, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, s.d.rebind(`
		SELECT data FROM saga_checkpoints WHERE instance_id = ? AND name = ?`),
		instanceID, name,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return api.Checkpoint{}, ErrCheckpointNotFound
		}
		return api.Checkpoint{}, err
	}
	return DecodeCheckpoint(data)
}
