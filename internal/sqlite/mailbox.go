package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rpggio/scribe/internal/domain/mailbox"
	"github.com/rpggio/scribe/internal/repository"
)

// MailboxRepository implements mailbox.Store for SQLite
type MailboxRepository struct {
	db *DB
}

// NewMailboxRepository creates a new MailboxRepository
func NewMailboxRepository(db *DB) *MailboxRepository {
	return &MailboxRepository{db: db}
}

// ConsumeIncoming reads and deletes an incoming entry in one transaction.
// A second consumption of the same token returns ErrNotFound.
func (r *MailboxRepository) ConsumeIncoming(ctx context.Context, token string) (*mailbox.Incoming, error) {
	var entry *mailbox.Incoming
	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		var in mailbox.Incoming
		var taskID sql.NullInt64
		var service string
		err := tx.QueryRowContext(ctx, `
			SELECT token, project_id, task_id, service_type, lock_version, created_at
			FROM incoming WHERE token = ?
		`, token).Scan(&in.Token, &in.ProjectID, &taskID, &service, &in.LockVersion, &in.CreatedAt)
		if err == sql.ErrNoRows {
			return repository.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get incoming entry: %w", err)
		}
		if in.Service, err = mailbox.ParseServiceType(service); err != nil {
			return err
		}
		in.TaskID = intPtr(taskID)

		if _, err := tx.ExecContext(ctx, `DELETE FROM incoming WHERE token = ?`, token); err != nil {
			return fmt.Errorf("failed to delete incoming entry: %w", err)
		}
		entry = &in
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ConsumeOutgoing reads and deletes an outgoing entry in one transaction.
func (r *MailboxRepository) ConsumeOutgoing(ctx context.Context, token string) (*mailbox.Outgoing, error) {
	var entry *mailbox.Outgoing
	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		var out mailbox.Outgoing
		var taskID sql.NullInt64
		var start, end sql.NullFloat64
		var lockBound int
		err := tx.QueryRowContext(ctx, `
			SELECT token, project_id, task_id, file_path, start_time, end_time, lock_bound, created_at
			FROM outgoing WHERE token = ?
		`, token).Scan(&out.Token, &out.ProjectID, &taskID, &out.FilePath, &start, &end, &lockBound, &out.CreatedAt)
		if err == sql.ErrNoRows {
			return repository.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get outgoing entry: %w", err)
		}
		out.TaskID = intPtr(taskID)
		if start.Valid && end.Valid {
			out.Range = &mailbox.Range{Start: start.Float64, End: end.Float64}
		}
		out.LockBound = lockBound == 1

		if _, err := tx.ExecContext(ctx, `DELETE FROM outgoing WHERE token = ?`, token); err != nil {
			return fmt.Errorf("failed to delete outgoing entry: %w", err)
		}
		entry = &out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// InsertOutgoing registers a download that is not tied to a lock.
func (r *MailboxRepository) InsertOutgoing(ctx context.Context, out mailbox.Outgoing) error {
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now()
	}
	err := insertOutgoing(ctx, r.db, out)
	if isForeignKeyViolation(err) {
		return repository.ErrNotFound
	}
	return err
}

// Delete removes entries by token. Missing tokens are ignored.
func (r *MailboxRepository) Delete(ctx context.Context, tokens ...string) error {
	if len(tokens) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(tokens)), ", ")
	args := make([]any, len(tokens))
	for i, t := range tokens {
		args[i] = t
	}
	return r.db.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"incoming", "outgoing"} {
			query := `DELETE FROM ` + table + ` WHERE token IN (` + placeholders + `)`
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("failed to delete %s entries: %w", table, err)
			}
		}
		return nil
	})
}

func insertIncoming(ctx context.Context, q querier, in mailbox.Incoming) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO incoming (token, project_id, task_id, service_type, lock_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, in.Token, in.ProjectID, in.TaskID, string(in.Service), in.LockVersion, in.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert incoming entry: %w", err)
	}
	return nil
}

func insertOutgoing(ctx context.Context, q querier, out mailbox.Outgoing) error {
	var start, end sql.NullFloat64
	if out.Range != nil {
		start = sql.NullFloat64{Float64: out.Range.Start, Valid: true}
		end = sql.NullFloat64{Float64: out.Range.End, Valid: true}
	}
	lockBound := 0
	if out.LockBound {
		lockBound = 1
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO outgoing (token, project_id, task_id, file_path, start_time, end_time, lock_bound, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, out.Token, out.ProjectID, out.TaskID, out.FilePath, start, end, lockBound, out.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert outgoing entry: %w", err)
	}
	return nil
}
