package editor

import (
	"github.com/rpggio/scribe/internal/domain/mailbox"
	"github.com/rpggio/scribe/internal/domain/project"
)

// Service keys used in requests and configuration.
const (
	ServiceDiarize   = "diarize"
	ServiceRecognize = "recognize"
	ServiceAlign     = "align"
)

// TaskLists are the tasks a user edits and the tasks a user collates.
type TaskLists struct {
	Editor   []project.TaskView `json:"editor"`
	Collator []project.TaskView `json:"collator"`
}

// AudioSegment locates the audio of one task.
type AudioSegment struct {
	Path  string        `json:"filename"`
	Range mailbox.Range `json:"range"`
	Mime  string        `json:"mime"`
}

// SpeechRequest asks for a speech job on one task. Subsystem overrides
// the one resolved from Language, which defaults to the task's language.
type SpeechRequest struct {
	ProjectID string `json:"projectid"`
	TaskID    int    `json:"taskid"`
	Subsystem string `json:"subsystem,omitempty"`
	Language  string `json:"language,omitempty"`
}

// Target returns the task the request is for.
func (r SpeechRequest) Target() project.Target {
	return project.TaskTarget(r.ProjectID, r.TaskID)
}
