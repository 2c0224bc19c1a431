package undo_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rpggio/scribe/internal/undo"
	"github.com/stretchr/testify/require"
)

func TestRunIsLIFO(t *testing.T) {
	var order []string
	var s undo.Stack
	for _, name := range []string{"release", "remove_dir", "delete_tokens"} {
		name := name
		s.Push(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	require.Equal(t, 3, s.Len())
	require.NoError(t, s.Run(context.Background(), nil))
	require.Equal(t, []string{"delete_tokens", "remove_dir", "release"}, order)
	require.Equal(t, 0, s.Len())
}

func TestRunContinuesPastFailures(t *testing.T) {
	boom := errors.New("boom")
	ran := 0
	var s undo.Stack
	s.Push("first", func(context.Context) error { ran++; return nil })
	s.Push("second", func(context.Context) error { ran++; return boom })

	err := s.Run(context.Background(), nil)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 2, ran)
}

func TestDiscard(t *testing.T) {
	var s undo.Stack
	s.Push("never", func(context.Context) error { return errors.New("should not run") })
	s.Discard()
	require.NoError(t, s.Run(context.Background(), nil))
}
