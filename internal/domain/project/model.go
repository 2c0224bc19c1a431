package project

import "time"

// Project is a transcription project: one audio file partitioned into tasks.
type Project struct {
	ID             string     `json:"projectid"`
	Name           string     `json:"projectname"`
	Category       string     `json:"category"`
	Creator        string     `json:"creator"`
	ProjectManager string     `json:"projectmanager"`
	Collator       string     `json:"collator,omitempty"`
	Year           int        `json:"year"`
	CreatedAt      time.Time  `json:"creation"`
	AudioFile      string     `json:"audiofile,omitempty"`
	AudioDuration  *float64   `json:"audiodur,omitempty"`
	Assigned       bool       `json:"assigned"`
	ProjectStatus  string     `json:"projectstatus,omitempty"`
	JobID          *string    `json:"jobid,omitempty"`
	LockOp         string     `json:"-"`
	LockVersion    int64      `json:"-"`
	ErrStatus      *string    `json:"errstatus,omitempty"`
}

// Lock returns the lock state derived from the jobid/errstatus columns.
func (p *Project) Lock() LockState {
	return deriveLock(p.JobID, p.LockOp, p.ErrStatus)
}

// Task is a contiguous time range of a project's audio assigned to one editor.
type Task struct {
	ProjectID   string     `json:"projectid"`
	TaskID      int        `json:"taskid"`
	Year        int        `json:"year"`
	Editor      string     `json:"editor"`
	Editing     string     `json:"editing,omitempty"`
	Speaker     string     `json:"speaker"`
	Start       float64    `json:"start"`
	End         float64    `json:"end"`
	Language    string     `json:"language"`
	TextFile    string     `json:"textfile,omitempty"`
	CommitID    string     `json:"commitid,omitempty"`
	CreatedAt   *time.Time `json:"creation,omitempty"`
	ModifiedAt  *time.Time `json:"modified,omitempty"`
	CompletedAt *time.Time `json:"completed,omitempty"`
	JobID       *string    `json:"jobid,omitempty"`
	LockOp      string     `json:"-"`
	LockVersion int64      `json:"-"`
	ErrStatus   *string    `json:"errstatus,omitempty"`
}

// Lock returns the task's lock state.
func (t *Task) Lock() LockState {
	return deriveLock(t.JobID, t.LockOp, t.ErrStatus)
}

// TaskView is a task with the project fields editors need to list it.
type TaskView struct {
	Task
	ProjectName string `json:"projectname"`
	Category    string `json:"category"`
	Collator    string `json:"collator,omitempty"`
}

// LockKind enumerates lock states.
type LockKind int

const (
	LockIdle LockKind = iota
	LockHeld
	LockFailed
)

func (k LockKind) String() string {
	switch k {
	case LockHeld:
		return "locked"
	case LockFailed:
		return "error"
	default:
		return "idle"
	}
}

func (k LockKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// LockState is Idle, Locked(tag) or Error(message).
// A held lock takes precedence over a recorded error.
type LockState struct {
	Kind    LockKind `json:"state"`
	Tag     string   `json:"tag,omitempty"`
	Op      string   `json:"op,omitempty"`
	Message string   `json:"message,omitempty"`
}

func deriveLock(jobID *string, op string, errStatus *string) LockState {
	switch {
	case jobID != nil:
		if op == "" {
			op = *jobID
		}
		return LockState{Kind: LockHeld, Tag: *jobID, Op: op}
	case errStatus != nil:
		return LockState{Kind: LockFailed, Message: *errStatus}
	default:
		return LockState{Kind: LockIdle}
	}
}

// External reports whether the held tag is an external speech job id
// rather than the name of the operation holding the lock.
func (s LockState) External() bool {
	return s.Kind == LockHeld && s.Tag != s.Op
}

// ProjectUpdate lists project columns to change; nil fields are left alone.
type ProjectUpdate struct {
	Name           *string  `json:"projectname,omitempty"`
	Category       *string  `json:"category,omitempty"`
	ProjectManager *string  `json:"projectmanager,omitempty"`
	Collator       *string  `json:"collator,omitempty"`
	ProjectStatus  *string  `json:"projectstatus,omitempty"`
	ErrStatus      *string  `json:"errstatus,omitempty"`
	AudioFile      *string  `json:"-"`
	AudioDuration  *float64 `json:"-"`
	Assigned       *bool    `json:"-"`
}

// Empty reports whether the update changes nothing.
func (u ProjectUpdate) Empty() bool {
	return u == ProjectUpdate{}
}

// TaskUpdate lists task columns to change; nil fields are left alone.
type TaskUpdate struct {
	TaskID         int        `json:"taskid"`
	Editor         *string    `json:"editor,omitempty"`
	Speaker        *string    `json:"speaker,omitempty"`
	Language       *string    `json:"language,omitempty"`
	Editing        *string    `json:"editing,omitempty"`
	CompletedAt    *time.Time `json:"-"`
	ClearCompleted bool       `json:"-"`
}

// TaskFile records the text file created for a task at assignment.
type TaskFile struct {
	TaskID   int
	TextFile string
	CommitID string
	At       time.Time
}

// TextCommit records a new version of a task's text.
type TextCommit struct {
	CommitID string
	At       time.Time
}
