package project

import (
	"math"
	"sort"

	"github.com/rpggio/scribe/internal/fault"
)

// Epsilon is the tolerance, in seconds, for contiguity and span checks.
const Epsilon = 0.01

// ApproxEqual compares two times within Epsilon.
func ApproxEqual(a, b float64) bool {
	return math.Abs(a-b) < Epsilon
}

// TaskInput is a task as submitted by save_project. Every field is required.
type TaskInput struct {
	Editor   *string  `json:"editor"`
	Speaker  *string  `json:"speaker"`
	Start    *float64 `json:"start"`
	End      *float64 `json:"end"`
	Language *string  `json:"language"`
}

func (in TaskInput) complete() bool {
	return in.Editor != nil && in.Speaker != nil && in.Start != nil && in.End != nil && in.Language != nil
}

// BuildPartition sorts the inputs by start time, checks they tile the
// timeline from zero without gaps or overlaps, and numbers them in order.
// Each task starts out being edited by its editor. The repository fills
// in the project's year.
func BuildPartition(projectID string, inputs []TaskInput) ([]Task, error) {
	for _, in := range inputs {
		if !in.complete() {
			return nil, fault.BadRequest("Tasks do not contain all the required fields")
		}
	}

	sorted := make([]TaskInput, len(inputs))
	copy(sorted, inputs)
	sort.SliceStable(sorted, func(i, j int) bool { return *sorted[i].Start < *sorted[j].Start })

	tasks := make([]Task, 0, len(sorted))
	prevEnd := 0.0
	for i, in := range sorted {
		if !ApproxEqual(prevEnd, *in.Start) {
			return nil, fault.BadRequest("Tasks times not contiguous and non-overlapping")
		}
		if *in.End <= *in.Start {
			return nil, fault.BadRequest("Task %d ends before it starts", i)
		}
		prevEnd = *in.End
		tasks = append(tasks, Task{
			ProjectID: projectID,
			TaskID:    i,
			Editor:    *in.Editor,
			Editing:   *in.Editor,
			Speaker:   *in.Speaker,
			Start:     *in.Start,
			End:       *in.End,
			Language:  *in.Language,
		})
	}
	return tasks, nil
}

// CheckSpan verifies the tasks end at the audio duration. An empty
// partition is accepted and clears the task list.
func CheckSpan(tasks []Task, duration float64) error {
	if len(tasks) == 0 {
		return nil
	}
	if !ApproxEqual(tasks[len(tasks)-1].End, duration) {
		return fault.BadRequest("Tasks do not span entire audio file")
	}
	return nil
}
