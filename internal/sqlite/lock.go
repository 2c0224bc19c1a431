package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rpggio/scribe/internal/domain/mailbox"
	"github.com/rpggio/scribe/internal/domain/project"
	"github.com/rpggio/scribe/internal/repository"
)

// Locker implements project.Locker. Every acquisition is a conditional
// update on job_id inside an immediate transaction, so concurrent callers
// see exactly one winner.
type Locker struct {
	db  *DB
	now func() time.Time
}

// NewLocker creates a new Locker
func NewLocker(db *DB) *Locker {
	return &Locker{db: db, now: time.Now}
}

// lockRow returns the table and key predicate for a lock target.
func lockRow(t project.Target) (table, where string, args []any) {
	if t.IsTask() {
		return "tasks", "project_id = ? AND task_id = ?", []any{t.ProjectID, *t.TaskID}
	}
	return "projects", "project_id = ?", []any{t.ProjectID}
}

// Acquire validates the lock preconditions, runs the request's check, takes
// the lock and registers the request's mailbox entries, all in one transaction.
func (l *Locker) Acquire(ctx context.Context, req project.LockRequest) (*project.Grant, error) {
	if req.Tag == "" {
		return nil, fmt.Errorf("acquire lock: empty tag")
	}
	op := req.Op
	if op == "" {
		op = req.Tag
	}
	opts := guardUnlocked
	if req.RequireCleanError {
		opts |= guardClean
	}
	if req.LoadTasks {
		opts |= withTasks
	}

	var grant *project.Grant
	err := l.db.withTx(ctx, func(tx *sql.Tx) error {
		snap, err := loadSnapshot(ctx, tx, req.Target, opts)
		if err != nil {
			return err
		}
		if req.Check != nil {
			if err := req.Check(snap); err != nil {
				return err
			}
		}

		table, where, args := lockRow(req.Target)
		query := `UPDATE ` + table + ` SET job_id = ?, lock_op = ?, lock_version = lock_version + 1
			WHERE ` + where + ` AND job_id IS NULL RETURNING lock_version`
		var version int64
		err = tx.QueryRowContext(ctx, query, append([]any{req.Tag, op}, args...)...).Scan(&version)
		if err == sql.ErrNoRows {
			return repository.ErrConflict
		}
		if err != nil {
			return fmt.Errorf("failed to take lock: %w", err)
		}

		tag := req.Tag
		if req.Target.IsTask() {
			snap.Task.JobID, snap.Task.LockOp, snap.Task.LockVersion = &tag, op, version
		} else {
			snap.Project.JobID, snap.Project.LockOp, snap.Project.LockVersion = &tag, op, version
		}

		var batch *mailbox.Batch
		if req.Attach != nil {
			if batch, err = req.Attach(snap); err != nil {
				return err
			}
			if err := l.insertBatch(ctx, tx, batch, version); err != nil {
				return err
			}
		}
		grant = &project.Grant{Snapshot: *snap, Version: version, Batch: batch}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return grant, nil
}

func (l *Locker) insertBatch(ctx context.Context, tx *sql.Tx, batch *mailbox.Batch, version int64) error {
	if batch == nil {
		return nil
	}
	now := l.now()
	for i := range batch.Incoming {
		in := &batch.Incoming[i]
		in.LockVersion = version
		in.CreatedAt = now
		if err := insertIncoming(ctx, tx, *in); err != nil {
			return err
		}
	}
	for i := range batch.Outgoing {
		out := &batch.Outgoing[i]
		out.LockBound = true
		out.CreatedAt = now
		if err := insertOutgoing(ctx, tx, *out); err != nil {
			return err
		}
	}
	return nil
}

// Retag replaces the tag of a held lock, typically with an external job id.
// The lock must still carry version.
func (l *Locker) Retag(ctx context.Context, target project.Target, version int64, tag string) error {
	return l.db.withTx(ctx, func(tx *sql.Tx) error {
		table, where, args := lockRow(target)
		query := `UPDATE ` + table + ` SET job_id = ? WHERE ` + where + ` AND job_id IS NOT NULL AND lock_version = ?`
		res, err := tx.ExecContext(ctx, query, append(append([]any{tag}, args...), version)...)
		if err != nil {
			return fmt.Errorf("failed to retag lock: %w", err)
		}
		return checkAffected(ctx, tx, res, target)
	})
}

// Release clears a held lock, records errstatus (nil clears it) and applies
// the release effects atomically.
func (l *Locker) Release(ctx context.Context, target project.Target, rel project.Release) error {
	return l.db.withTx(ctx, func(tx *sql.Tx) error {
		var errStatus sql.NullString
		if rel.ErrStatus != nil {
			errStatus = sql.NullString{String: *rel.ErrStatus, Valid: true}
		}
		table, where, args := lockRow(target)
		query := `UPDATE ` + table + ` SET job_id = NULL, lock_op = NULL, err_status = ?, lock_version = lock_version + 1
			WHERE ` + where + ` AND job_id IS NOT NULL AND (? = 0 OR lock_version = ?)`
		params := append([]any{errStatus}, args...)
		params = append(params, rel.Version, rel.Version)
		res, err := tx.ExecContext(ctx, query, params...)
		if err != nil {
			return fmt.Errorf("failed to release lock: %w", err)
		}
		if err := checkAffected(ctx, tx, res, target); err != nil {
			return err
		}

		if rel.DropMailbox {
			if err := dropMailbox(ctx, tx, target); err != nil {
				return err
			}
		}
		return applyEffects(ctx, tx, target, rel.Effects)
	})
}

// checkAffected turns a conditional update that matched nothing into
// ErrNotFound when the row is gone, or ErrConflict when the lock moved on.
func checkAffected(ctx context.Context, tx *sql.Tx, res sql.Result, target project.Target) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	table, where, args := lockRow(target)
	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE `+where, args...).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return repository.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check lock row: %w", err)
	}
	return repository.ErrConflict
}

func dropMailbox(ctx context.Context, tx *sql.Tx, target project.Target) error {
	var taskID any
	if target.IsTask() {
		taskID = *target.TaskID
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM incoming WHERE project_id = ? AND task_id IS ?`, target.ProjectID, taskID); err != nil {
		return fmt.Errorf("failed to drop incoming entries: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM outgoing WHERE project_id = ? AND task_id IS ? AND lock_bound = 1`, target.ProjectID, taskID); err != nil {
		return fmt.Errorf("failed to drop outgoing entries: %w", err)
	}
	return nil
}

func applyEffects(ctx context.Context, tx *sql.Tx, target project.Target, eff project.Effects) error {
	if eff.Project != nil {
		if err := updateProject(ctx, tx, target.ProjectID, *eff.Project); err != nil {
			return err
		}
	}
	if eff.DeleteTasks || eff.ReplaceTasks {
		if err := deleteTasks(ctx, tx, target.ProjectID); err != nil {
			return err
		}
	}
	if eff.ReplaceTasks {
		proj, err := getProject(ctx, tx, target.ProjectID)
		if err != nil {
			return err
		}
		if err := insertTasks(ctx, tx, proj, eff.Tasks); err != nil {
			return err
		}
	}
	if len(eff.TaskFiles) > 0 {
		if err := recordTaskFiles(ctx, tx, target.ProjectID, eff.TaskFiles); err != nil {
			return err
		}
	}
	if eff.TextCommit != nil {
		if !target.IsTask() {
			return fmt.Errorf("text commit on project target %s", target.ProjectID)
		}
		c := eff.TextCommit
		if err := recordTextCommit(ctx, tx, target.ProjectID, *target.TaskID, c.CommitID, c.At); err != nil {
			return err
		}
	}
	return nil
}
