package application

import "context"

// Syncable is one thermostat's refreshable state.
type Syncable interface {
	ID() int64
	Refresh(ctx context.Context) error
}

// Authenticator re-establishes the session after the server rejects a
// token. It must run the complete handshake; nonces are single-use.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) error
}

type Notifier interface {
	Notify(ctx context.Context, message string) error
}

type NoopNotifier struct{}

func (n *NoopNotifier) Notify(_ context.Context, _ string) error {
	return nil
}
