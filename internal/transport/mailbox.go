package transport

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rpggio/scribe/internal/domain/mailbox"
	"github.com/rpggio/scribe/internal/fault"
)

// handleOutgoing streams the file behind a download token.
func (s *Server) handleOutgoing(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.Mailbox.Outgoing(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		fail(w, s.logger, r, err)
		return
	}
	s.deliver(w, r, d)
}

// handleIncoming accepts a speech service result for a callback token.
func (s *Server) handleIncoming(w http.ResponseWriter, r *http.Request) {
	// An oversized result is refused before its token is consumed.
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxResult))
	if err != nil {
		fail(w, s.logger, r, bodyError(err))
		return
	}
	if err := s.svc.Mailbox.Incoming(r.Context(), chi.URLParam(r, "token"), payload); err != nil {
		fail(w, s.logger, r, err)
		return
	}
	writeResult(w, "Request successful!")
}

// deliver writes the file d describes, cutting audio ranges first.
func (s *Server) deliver(w http.ResponseWriter, r *http.Request, d *mailbox.Delivery) {
	path := d.Path
	if d.Range != nil && !d.Range.IsSentinel() {
		seg, err := s.svc.Splitter.Segment(r.Context(), d.Path, d.Range.Start, d.Range.End)
		if err != nil {
			s.logger.Error("audio segment not cut", "path", d.Path, "start", d.Range.Start, "end", d.Range.End, "error", err)
			writeError(w, errors.New("Cannot supply task's audio data!"))
			return
		}
		defer os.Remove(seg)
		path = seg
	}

	f, err := os.Open(path)
	if err != nil {
		fail(w, s.logger, r, fault.Wrap(fault.KindNotFound, err, "Requested file is no longer available"))
		return
	}
	defer f.Close()

	h := w.Header()
	h.Set("Content-Type", d.Mime)
	if d.SaveName != "" {
		h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", d.SaveName))
	}
	if info, err := f.Stat(); err == nil {
		h.Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		s.logger.Warn("delivery interrupted", "path", path, "error", err)
		return
	}
	if d.DeleteAfter {
		if err := os.Remove(d.Path); err != nil {
			s.logger.Warn("delivered file not removed", "path", d.Path, "error", err)
		}
	}
}
