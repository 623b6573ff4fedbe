package collab

import (
	"context"
	"time"
)

// Collaborator interfaces. The pairing core consumes these; their real
// implementations (SQL repositories, JWT verification) live outside this
// module and are injected at the composition root.

// Identity is the verified principal behind a socket.
type Identity struct {
	UserID   string
	Username string
	IsGuest  bool
}

// Auth verifies access tokens presented during the WebSocket handshake.
type Auth interface {
	// VerifyAccessToken returns the identity for a valid token, or nil
	// when the token is invalid or expired.
	VerifyAccessToken(ctx context.Context, token string) (*Identity, error)
}

// User is the directory projection the core needs for match payloads.
type User struct {
	ID       string
	Username string
}

// Users exposes the user directory.
type Users interface {
	FindUser(ctx context.Context, id string) (*User, error)
	IsBanned(ctx context.Context, id string) (bool, error)
	AreFriends(ctx context.Context, a, b string) (bool, error)
}

// Report is an abuse report recorded by the core. The core never interprets
// it; moderation policy lives with the collaborator.
type Report struct {
	ID          string
	ReporterID  string
	ReportedID  string
	SessionID   string
	Reason      string
	Description string
	CreatedAt   time.Time
	Status      string
}

// Reports records abuse reports.
type Reports interface {
	RecordReport(ctx context.Context, r Report) error
}

// SessionHistory records completed sessions for analytics. Best-effort:
// the core logs failures and moves on.
type SessionHistory interface {
	RecordSessionEnded(ctx context.Context, sessionID string, startedAt, endedAt time.Time, reason string) error
}
