package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rpggio/scribe/internal/domain/project"
	"github.com/rpggio/scribe/internal/fault"
	"github.com/rpggio/scribe/internal/repository"
)

const maxIDAttempts = 16

const projectColumns = `project_id, name, category, creator, project_manager, collator, year, created_at,
	audio_file, audio_duration, assigned, project_status, job_id, lock_op, lock_version, err_status`

const taskColumns = `project_id, task_id, year, editor, editing, speaker, start_time, end_time, language,
	text_file, commit_id, created_at, modified_at, completed_at, job_id, lock_op, lock_version, err_status`

// ProjectRepository implements project.Repository for SQLite
type ProjectRepository struct {
	db *DB
}

// NewProjectRepository creates a new ProjectRepository
func NewProjectRepository(db *DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

// Create inserts a project under a freshly generated id, retrying on collision.
func (r *ProjectRepository) Create(ctx context.Context, proj *project.Project, newID func() string) error {
	query := `
		INSERT INTO projects (project_id, name, category, creator, project_manager, year, created_at,
			assigned, project_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'N', ?)
	`

	return r.db.withTx(ctx, func(tx *sql.Tx) error {
		for i := 0; i < maxIDAttempts; i++ {
			id := newID()
			_, err := tx.ExecContext(ctx, query,
				id,
				proj.Name,
				proj.Category,
				proj.Creator,
				proj.ProjectManager,
				proj.Year,
				proj.CreatedAt,
				nullString(proj.ProjectStatus),
			)
			if isUniqueViolation(err) {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to create project: %w", err)
			}
			proj.ID = id
			return nil
		}
		return fmt.Errorf("failed to allocate project id after %d attempts", maxIDAttempts)
	})
}

// Get retrieves a project by ID
func (r *ProjectRepository) Get(ctx context.Context, id string) (*project.Project, error) {
	return getProject(ctx, r.db, id)
}

// ListByManager returns the projects managed by user, newest first.
func (r *ProjectRepository) ListByManager(ctx context.Context, user string) ([]project.Project, error) {
	return queryProjects(ctx, r.db, `WHERE project_manager = ? ORDER BY created_at DESC`, user)
}

// ListByCreator returns the projects created by user, newest first.
func (r *ProjectRepository) ListByCreator(ctx context.Context, user string) ([]project.Project, error) {
	return queryProjects(ctx, r.db, `WHERE creator = ? ORDER BY created_at DESC`, user)
}

// ListLocked returns projects that hold a lock or record an error, or
// whose tasks do.
func (r *ProjectRepository) ListLocked(ctx context.Context) ([]project.Project, error) {
	return queryProjects(ctx, r.db, `
		WHERE job_id IS NOT NULL OR err_status IS NOT NULL
		   OR project_id IN (SELECT project_id FROM tasks WHERE job_id IS NOT NULL OR err_status IS NOT NULL)
		ORDER BY created_at`)
}

// Tasks returns a project's tasks in task order.
func (r *ProjectRepository) Tasks(ctx context.Context, projectID string) ([]project.Task, error) {
	return listTasks(ctx, r.db, projectID)
}

// GetTask retrieves one task.
func (r *ProjectRepository) GetTask(ctx context.Context, projectID string, taskID int) (*project.Task, error) {
	return getTask(ctx, r.db, projectID, taskID)
}

// TasksForEditor lists the tasks of assigned projects edited by user.
func (r *ProjectRepository) TasksForEditor(ctx context.Context, user string) ([]project.TaskView, error) {
	return queryTaskViews(ctx, r.db, `t.editor = ?`, user)
}

// TasksForCollator lists the tasks of assigned projects collated by user.
func (r *ProjectRepository) TasksForCollator(ctx context.Context, user string) ([]project.TaskView, error) {
	return queryTaskViews(ctx, r.db, `p.collator = ?`, user)
}

// SaveTasks replaces the task list of an unlocked project and updates its meta fields.
func (r *ProjectRepository) SaveTasks(ctx context.Context, projectID string, meta project.ProjectUpdate, tasks []project.Task, check func(*project.Snapshot) error) error {
	return r.db.withTx(ctx, func(tx *sql.Tx) error {
		snap, err := loadSnapshot(ctx, tx, project.ProjectTarget(projectID), guardUnlocked)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(snap); err != nil {
				return err
			}
		}
		if err := deleteTasks(ctx, tx, projectID); err != nil {
			return err
		}
		if err := insertTasks(ctx, tx, snap.Project, tasks); err != nil {
			return err
		}
		return updateProject(ctx, tx, projectID, meta)
	})
}

// Update changes meta fields and existing tasks of an unlocked project.
func (r *ProjectRepository) Update(ctx context.Context, projectID string, meta project.ProjectUpdate, tasks []project.TaskUpdate, check func(*project.Snapshot) error) error {
	return r.db.withTx(ctx, func(tx *sql.Tx) error {
		snap, err := loadSnapshot(ctx, tx, project.ProjectTarget(projectID), guardUnlocked|withTasks)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(snap); err != nil {
				return err
			}
		}
		existing := make(map[int]bool, len(snap.Tasks))
		for _, t := range snap.Tasks {
			existing[t.TaskID] = true
		}
		for _, upd := range tasks {
			if !existing[upd.TaskID] {
				return fault.BadRequest("Invalid task ID in input")
			}
			if err := updateTask(ctx, tx, projectID, upd); err != nil {
				return err
			}
		}
		return updateProject(ctx, tx, projectID, meta)
	})
}

// UpdateTask changes one task, requiring both it and its project to be unlocked.
func (r *ProjectRepository) UpdateTask(ctx context.Context, target project.Target, upd project.TaskUpdate, check func(*project.Snapshot) error) error {
	if target.TaskID == nil {
		return fmt.Errorf("update task: target has no task id")
	}
	upd.TaskID = *target.TaskID
	return r.db.withTx(ctx, func(tx *sql.Tx) error {
		snap, err := loadSnapshot(ctx, tx, target, guardUnlocked)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(snap); err != nil {
				return err
			}
		}
		return updateTask(ctx, tx, target.ProjectID, upd)
	})
}

// ClearError clears the errstatus of an unlocked project or task.
func (r *ProjectRepository) ClearError(ctx context.Context, target project.Target) error {
	return r.db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := loadSnapshot(ctx, tx, target, guardUnlocked); err != nil {
			return err
		}
		var err error
		if target.IsTask() {
			_, err = tx.ExecContext(ctx, `UPDATE tasks SET err_status = NULL WHERE project_id = ? AND task_id = ?`,
				target.ProjectID, *target.TaskID)
		} else {
			_, err = tx.ExecContext(ctx, `UPDATE projects SET err_status = NULL WHERE project_id = ?`, target.ProjectID)
		}
		if err != nil {
			return fmt.Errorf("failed to clear error: %w", err)
		}
		return nil
	})
}

// Delete removes a project with its tasks and mailbox entries and returns
// what was deleted. The check decides whether a locked project may be deleted.
func (r *ProjectRepository) Delete(ctx context.Context, projectID string, check func(*project.Snapshot) error) (*project.Snapshot, error) {
	var deleted *project.Snapshot
	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		snap, err := loadSnapshot(ctx, tx, project.ProjectTarget(projectID), withTasks)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(snap); err != nil {
				return err
			}
		}
		for _, stmt := range []string{
			`DELETE FROM incoming WHERE project_id = ?`,
			`DELETE FROM outgoing WHERE project_id = ?`,
			`DELETE FROM tasks WHERE project_id = ?`,
			`DELETE FROM projects WHERE project_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, stmt, projectID); err != nil {
				return fmt.Errorf("failed to delete project: %w", err)
			}
		}
		deleted = snap
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

type snapshotOpts int

const (
	guardUnlocked snapshotOpts = 1 << iota
	guardClean
	withTasks
)

// loadSnapshot reads the target and checks the lock preconditions in
// order: project exists, project unlocked, project clean, task exists,
// task unlocked, task clean.
func loadSnapshot(ctx context.Context, q querier, target project.Target, opts snapshotOpts) (*project.Snapshot, error) {
	unlocked := opts&guardUnlocked != 0
	clean := opts&guardClean != 0

	proj, err := getProject(ctx, q, target.ProjectID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, project.ProjectNotFound()
	}
	if err != nil {
		return nil, err
	}
	if unlocked {
		if err := project.CheckProject(proj, clean); err != nil {
			return nil, err
		}
	}
	snap := &project.Snapshot{Project: proj}

	if target.TaskID != nil {
		task, err := getTask(ctx, q, target.ProjectID, *target.TaskID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, project.TaskNotFound()
		}
		if err != nil {
			return nil, err
		}
		if unlocked {
			if err := project.CheckTask(task, clean); err != nil {
				return nil, err
			}
		}
		snap.Task = task
	}

	if opts&withTasks != 0 {
		if snap.Tasks, err = listTasks(ctx, q, target.ProjectID); err != nil {
			return nil, err
		}
	}
	return snap, nil
}

func getProject(ctx context.Context, q querier, id string) (*project.Project, error) {
	row := q.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE project_id = ?`, id)
	proj, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return proj, nil
}

func queryProjects(ctx context.Context, q querier, clause string, args ...any) ([]project.Project, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	projects := []project.Project{}
	for rows.Next() {
		proj, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, *proj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating project rows: %w", err)
	}
	return projects, nil
}

func scanProject(row scanner) (*project.Project, error) {
	var proj project.Project
	var collator, audioFile, status, jobID, lockOp, errStatus sql.NullString
	var duration sql.NullFloat64
	var assigned string
	err := row.Scan(
		&proj.ID,
		&proj.Name,
		&proj.Category,
		&proj.Creator,
		&proj.ProjectManager,
		&collator,
		&proj.Year,
		&proj.CreatedAt,
		&audioFile,
		&duration,
		&assigned,
		&status,
		&jobID,
		&lockOp,
		&proj.LockVersion,
		&errStatus,
	)
	if err != nil {
		return nil, err
	}
	proj.Collator = collator.String
	proj.AudioFile = audioFile.String
	if duration.Valid {
		d := duration.Float64
		proj.AudioDuration = &d
	}
	proj.Assigned = assigned == "Y"
	proj.ProjectStatus = status.String
	proj.JobID = stringPtr(jobID)
	proj.LockOp = lockOp.String
	proj.ErrStatus = stringPtr(errStatus)
	return &proj, nil
}

func getTask(ctx context.Context, q querier, projectID string, taskID int) (*project.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE project_id = ? AND task_id = ?`, projectID, taskID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

func listTasks(ctx context.Context, q querier, projectID string) ([]project.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE year = (SELECT year FROM projects WHERE project_id = ?) AND project_id = ?
		ORDER BY task_id`
	rows, err := q.QueryContext(ctx, query, projectID, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []project.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}
	return tasks, nil
}

func queryTaskViews(ctx context.Context, q querier, cond string, args ...any) ([]project.TaskView, error) {
	query := `SELECT ` + qualify("t", taskColumns) + `, p.name, p.category, p.collator
		FROM tasks t JOIN projects p ON p.project_id = t.project_id
		WHERE p.assigned = 'Y' AND ` + cond + `
		ORDER BY p.created_at, t.task_id`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	views := []project.TaskView{}
	for rows.Next() {
		var view project.TaskView
		var collator sql.NullString
		task, err := scanTask(rows, &view.ProjectName, &view.Category, &collator)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		view.Task = *task
		view.Collator = collator.String
		views = append(views, view)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}
	return views, nil
}

// qualify prefixes every column in a column list with a table alias.
func qualify(alias, columns string) string {
	cols := strings.Split(columns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func scanTask(row scanner, extra ...any) (*project.Task, error) {
	var task project.Task
	var editor, editing, speaker, language, textFile, commitID, jobID, lockOp, errStatus sql.NullString
	var created, modified, completed sql.NullTime
	dest := []any{
		&task.ProjectID,
		&task.TaskID,
		&task.Year,
		&editor,
		&editing,
		&speaker,
		&task.Start,
		&task.End,
		&language,
		&textFile,
		&commitID,
		&created,
		&modified,
		&completed,
		&jobID,
		&lockOp,
		&task.LockVersion,
		&errStatus,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	task.Editor = editor.String
	task.Editing = editing.String
	task.Speaker = speaker.String
	task.Language = language.String
	task.TextFile = textFile.String
	task.CommitID = commitID.String
	task.CreatedAt = timePtr(created)
	task.ModifiedAt = timePtr(modified)
	task.CompletedAt = timePtr(completed)
	task.JobID = stringPtr(jobID)
	task.LockOp = lockOp.String
	task.ErrStatus = stringPtr(errStatus)
	return &task, nil
}

func deleteTasks(ctx context.Context, q querier, projectID string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM tasks WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("failed to delete tasks: %w", err)
	}
	return nil
}

func insertTasks(ctx context.Context, q querier, proj *project.Project, tasks []project.Task) error {
	query := `
		INSERT INTO tasks (project_id, task_id, year, editor, editing, speaker, start_time, end_time, language)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for _, t := range tasks {
		_, err := q.ExecContext(ctx, query,
			proj.ID,
			t.TaskID,
			proj.Year,
			nullString(t.Editor),
			nullString(t.Editing),
			nullString(t.Speaker),
			t.Start,
			t.End,
			nullString(t.Language),
		)
		if err != nil {
			return fmt.Errorf("failed to insert task %d: %w", t.TaskID, err)
		}
	}
	return nil
}

func updateProject(ctx context.Context, q querier, projectID string, u project.ProjectUpdate) error {
	var sets []string
	var args []any
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if u.Name != nil {
		set("name", *u.Name)
	}
	if u.Category != nil {
		set("category", *u.Category)
	}
	if u.ProjectManager != nil {
		set("project_manager", *u.ProjectManager)
	}
	if u.Collator != nil {
		set("collator", *u.Collator)
	}
	if u.ProjectStatus != nil {
		set("project_status", *u.ProjectStatus)
	}
	if u.ErrStatus != nil {
		set("err_status", nullString(*u.ErrStatus))
	}
	if u.AudioFile != nil {
		set("audio_file", *u.AudioFile)
	}
	if u.AudioDuration != nil {
		set("audio_duration", *u.AudioDuration)
	}
	if u.Assigned != nil {
		assigned := "N"
		if *u.Assigned {
			assigned = "Y"
		}
		set("assigned", assigned)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, projectID)
	query := `UPDATE projects SET ` + strings.Join(sets, ", ") + ` WHERE project_id = ?`
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}
	return nil
}

func updateTask(ctx context.Context, q querier, projectID string, u project.TaskUpdate) error {
	var sets []string
	var args []any
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if u.Editor != nil {
		set("editor", *u.Editor)
	}
	if u.Speaker != nil {
		set("speaker", *u.Speaker)
	}
	if u.Language != nil {
		set("language", *u.Language)
	}
	if u.Editing != nil {
		set("editing", *u.Editing)
	}
	if u.CompletedAt != nil {
		set("completed_at", *u.CompletedAt)
	}
	if u.ClearCompleted {
		sets = append(sets, "completed_at = NULL")
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, projectID, u.TaskID)
	query := `UPDATE tasks SET ` + strings.Join(sets, ", ") + ` WHERE project_id = ? AND task_id = ?`
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update task %d: %w", u.TaskID, err)
	}
	return nil
}

func recordTaskFiles(ctx context.Context, q querier, projectID string, files []project.TaskFile) error {
	query := `
		UPDATE tasks SET text_file = ?, commit_id = ?, created_at = ?, modified_at = ?
		WHERE project_id = ? AND task_id = ?
	`
	for _, f := range files {
		if _, err := q.ExecContext(ctx, query, f.TextFile, f.CommitID, f.At, f.At, projectID, f.TaskID); err != nil {
			return fmt.Errorf("failed to record text file of task %d: %w", f.TaskID, err)
		}
	}
	return nil
}

func recordTextCommit(ctx context.Context, q querier, projectID string, taskID int, commitID string, at time.Time) error {
	_, err := q.ExecContext(ctx, `UPDATE tasks SET commit_id = ?, modified_at = ? WHERE project_id = ? AND task_id = ?`,
		commitID, at, projectID, taskID)
	if err != nil {
		return fmt.Errorf("failed to record commit of task %d: %w", taskID, err)
	}
	return nil
}
