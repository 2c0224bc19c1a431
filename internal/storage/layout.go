// Package storage computes where project audio, task text and generated
// documents live on disk.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// TextName is the file name of a task's text inside its directory.
const TextName = "text"

// Layout roots every stored file under Root.
type Layout struct {
	Root string
}

// ProjectDir is <root>/<user>/<yyyy>/<mm>/<dd>/<projectid>, dated by project creation.
func (l Layout) ProjectDir(user, projectID string, created time.Time) string {
	return filepath.Join(l.Root, user,
		fmt.Sprintf("%04d", created.Year()),
		fmt.Sprintf("%02d", int(created.Month())),
		fmt.Sprintf("%02d", created.Day()),
		projectID)
}

// NewAudioPath returns a fresh file name in the project directory.
func (l Layout) NewAudioPath(user, projectID string, created time.Time) string {
	return filepath.Join(l.ProjectDir(user, projectID, created), uuid.NewString())
}

// DocumentDir holds assembled documents awaiting download.
func (l Layout) DocumentDir() string {
	return filepath.Join(l.Root, ".documents")
}

// TaskDir is the task's text directory next to the project audio.
func TaskDir(audioFile string, taskID int) string {
	return filepath.Join(filepath.Dir(audioFile), fmt.Sprintf("%03d", taskID))
}

// TextPath is the text file inside a task directory.
func TextPath(taskDir string) string {
	return filepath.Join(taskDir, TextName)
}

// Readable reports whether path is an existing regular file that can be opened.
func Readable(path string) bool {
	if path == "" {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	return err == nil && info.Mode().IsRegular()
}

// Empty reports whether the file at path has no content. Missing files count as empty.
func Empty(path string) bool {
	info, err := os.Stat(path)
	return err != nil || info.Size() == 0
}
