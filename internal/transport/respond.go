package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/rpggio/scribe/internal/fault"
)

// maxBody bounds JSON request bodies. Audio uploads have their own limit.
const maxBody = 32 << 20

// Message is the body of string results and of every error.
type Message struct {
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeResult writes a service result. Strings are wrapped as {"message": s}.
func writeResult(w http.ResponseWriter, result any) {
	if s, ok := result.(string); ok {
		result = Message{Message: s}
	}
	writeJSON(w, http.StatusOK, result)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, fault.HTTPStatus(err), Message{Message: fault.Message(err)})
}

// fail logs internal errors before writing them.
func fail(w http.ResponseWriter, logger *slog.Logger, r *http.Request, err error) {
	if fault.KindOf(err) == fault.KindInternal {
		logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, err)
}

func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return fault.Wrap(fault.KindTooLarge, err, fmt.Sprintf("Request body exceeds %d bytes", tooLarge.Limit))
	}
	return fault.Wrap(fault.KindBadRequest, err, "Cannot read request body")
}

// decode reads a JSON request body into dst.
func decode(r *http.Request, dst any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		return bodyError(err)
	}
	if int64(len(data)) > maxBody {
		return bodyError(&http.MaxBytesError{Limit: maxBody})
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return fault.Wrap(fault.KindBadRequest, err, fmt.Sprintf("Invalid value for parameter: %s", typeErr.Field))
		}
		return fault.Wrap(fault.KindBadRequest, err, "Request body is not valid JSON")
	}
	return nil
}
