package mailbox

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const (
	MimeAudio = "audio/ogg"
	MimeHTML  = "text/html"
	MimeDocx  = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// Delivery tells the HTTP layer what to stream for an outgoing token.
type Delivery struct {
	Mime        string `json:"mime"`
	Path        string `json:"path"`
	Range       *Range `json:"range,omitempty"`
	SaveName    string `json:"savename,omitempty"`
	DeleteAfter bool   `json:"delete_after"`
}

// Describe builds the delivery descriptor for a consumed outgoing entry.
func Describe(out Outgoing, projectName string) Delivery {
	d := Delivery{Mime: MimeAudio, Path: out.FilePath}
	if out.Range == nil {
		return d
	}
	switch *out.Range {
	case WholeDocument:
		d.Mime = MimeDocx
		d.SaveName = asciiName(projectName) + ".docx"
		d.DeleteAfter = true
	case TaskText:
		d.Mime = MimeHTML
		d.SaveName = asciiName(projectName) + ".html"
	default:
		r := *out.Range
		d.Range = &r
	}
	return d
}

// asciiName folds a project name to an ASCII file name.
func asciiName(name string) string {
	var b strings.Builder
	for _, r := range norm.NFKD.String(name) {
		switch {
		case r > unicode.MaxASCII, unicode.Is(unicode.Mn, r):
			continue
		case r == '/' || r == '\\' || r == '"' || unicode.IsControl(r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return "document"
	}
	return out
}
