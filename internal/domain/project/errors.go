package project

import (
	"errors"
	"fmt"

	"github.com/rpggio/scribe/internal/fault"
	"github.com/rpggio/scribe/internal/repository"
)

// FromRepo maps repository sentinels onto the fault taxonomy. Errors that
// are already classified pass through unchanged.
func FromRepo(err error, notFound func() error, action string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return notFound()
	case errors.Is(err, repository.ErrConflict):
		return fault.Wrap(fault.KindConflict, err, "The lock is no longer held by this request")
	case fault.KindOf(err) != fault.KindInternal:
		return err
	default:
		return fmt.Errorf("%s: %w", action, err)
	}
}
