package repository

import "context"

// APIKeyRepository maps bearer tokens to usernames.
type APIKeyRepository interface {
	Add(ctx context.Context, token, user, description string) error
	ResolveUser(ctx context.Context, token string) (string, error)
}
