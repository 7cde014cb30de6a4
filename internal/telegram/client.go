package telegram

import (
	"context"
	"io"
	"sync"
)

// ProgressFunc receives byte counts as a download advances.
// received grows monotonically; total is the declared size, or 0 when
// the remote did not declare one.
type ProgressFunc func(received, total int64)

// Downloader streams remote file content.
type Downloader interface {
	// DownloadMedia writes the blob identified by ref to w, calling
	// progress (when non-nil) as bytes arrive. Returns the number of
	// bytes written.
	DownloadMedia(ctx context.Context, ref FileRef, w io.Writer, progress ProgressFunc) (int64, error)
}

// Client is an authenticated session on the remote service.
type Client interface {
	Downloader

	// Dialogs lists the conversations visible to the session.
	Dialogs(ctx context.Context) ([]Entity, error)

	// MessageCount returns the total number of messages in an entity.
	MessageCount(ctx context.Context, entity Entity) (int, error)

	// IterMessages walks an entity's history newest first, invoking fn
	// for each message. limit <= 0 means no limit. Iteration stops when
	// fn returns a non-nil error, which is propagated.
	IterMessages(ctx context.Context, entity Entity, limit int, fn func(Message) error) error

	// Logout terminates the remote session and invalidates local
	// session state.
	Logout(ctx context.Context) error

	// Close releases the connection without logging out.
	Close() error
}

// Dialer establishes authenticated sessions. Concrete MTProto
// transports implement this and register themselves in an init func,
// the same way database drivers do.
type Dialer interface {
	Dial(ctx context.Context, apiID int, apiHash string) (Client, error)
}

var (
	dialerMu sync.RWMutex
	dialer   Dialer
)

// RegisterDialer installs the transport used by DialSession. Calling it
// twice panics; a process has exactly one transport.
func RegisterDialer(d Dialer) {
	dialerMu.Lock()
	defer dialerMu.Unlock()

	if dialer != nil {
		panic("telegram: RegisterDialer called twice")
	}

	dialer = d
}

// DialSession opens an authenticated session through the registered
// transport. Returns ErrNoTransport when none is registered.
func DialSession(ctx context.Context, apiID int, apiHash string) (Client, error) {
	dialerMu.RLock()
	d := dialer
	dialerMu.RUnlock()

	if d == nil {
		return nil, ErrNoTransport
	}

	return d.Dial(ctx, apiID, apiHash)
}
