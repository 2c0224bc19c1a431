package mailbox

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ServiceType names the kind of speech result an incoming token expects.
type ServiceType string

const (
	ServiceDiarizeProject ServiceType = "diarize_project"
	ServiceDiarize        ServiceType = "diarize"
	ServiceRecognize      ServiceType = "recognize"
	ServiceAlign          ServiceType = "align"
)

// ParseServiceType validates a stored or requested service type.
func ParseServiceType(s string) (ServiceType, error) {
	switch st := ServiceType(s); st {
	case ServiceDiarizeProject, ServiceDiarize, ServiceRecognize, ServiceAlign:
		return st, nil
	default:
		return "", fmt.Errorf("unknown service type %q", s)
	}
}

// TaskLevel reports whether results of this type belong to a single task.
func (s ServiceType) TaskLevel() bool {
	return s != ServiceDiarizeProject
}

// Range is a time range in seconds, or one of the sentinel ranges.
type Range struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

var (
	// WholeDocument marks an assembled document download.
	WholeDocument = Range{Start: -1, End: -1}
	// TaskText marks a task's text file.
	TaskText = Range{Start: -2, End: -2}
)

// IsSentinel reports whether r is one of the non-audio markers.
func (r Range) IsSentinel() bool {
	return r == WholeDocument || r == TaskText
}

// Incoming is a single-use token the speech service posts results to.
type Incoming struct {
	Token       string
	ProjectID   string
	TaskID      *int
	Service     ServiceType
	LockVersion int64
	CreatedAt   time.Time
}

// Outgoing is a single-use token the speech service or a user downloads from.
type Outgoing struct {
	Token     string
	ProjectID string
	TaskID    *int
	FilePath  string
	Range     *Range
	// LockBound entries belong to an in-flight job and are dropped with its lock.
	LockBound bool
	CreatedAt time.Time
}

// Batch is the set of entries registered together with a lock.
type Batch struct {
	Incoming []Incoming
	Outgoing []Outgoing
}

// Tokens lists every token in the batch.
func (b *Batch) Tokens() []string {
	if b == nil {
		return nil
	}
	tokens := make([]string, 0, len(b.Incoming)+len(b.Outgoing))
	for _, in := range b.Incoming {
		tokens = append(tokens, in.Token)
	}
	for _, out := range b.Outgoing {
		tokens = append(tokens, out.Token)
	}
	return tokens
}

// NewToken returns a URL-safe random token.
func NewToken() string {
	id := uuid.New()
	return base64.RawURLEncoding.EncodeToString(id[:])
}
