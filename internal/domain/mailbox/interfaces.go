package mailbox

import "context"

// Store persists mailbox entries. Consume methods delete the row they return.
type Store interface {
	ConsumeIncoming(ctx context.Context, token string) (*Incoming, error)
	ConsumeOutgoing(ctx context.Context, token string) (*Outgoing, error)
	InsertOutgoing(ctx context.Context, out Outgoing) error
	Delete(ctx context.Context, tokens ...string) error
}
