package collab

import (
	"context"
	"strings"
	"time"
)

// Development stand-ins for the external collaborators. Used by cmd/driftd
// when no real backends are wired (local runs, load tests). Guest tokens
// take the form "guest:<name>".

// DevAuth accepts guest tokens only.
type DevAuth struct{}

func (DevAuth) VerifyAccessToken(_ context.Context, token string) (*Identity, error) {
	name, ok := strings.CutPrefix(token, "guest:")
	if !ok || name == "" {
		return nil, nil
	}
	return &Identity{UserID: "guest-" + name, Username: name, IsGuest: true}, nil
}

// DevUsers answers directory queries for guest identities.
type DevUsers struct{}

func (DevUsers) FindUser(_ context.Context, id string) (*User, error) {
	return &User{ID: id, Username: strings.TrimPrefix(id, "guest-")}, nil
}

func (DevUsers) IsBanned(context.Context, string) (bool, error) { return false, nil }

func (DevUsers) AreFriends(context.Context, string, string) (bool, error) { return true, nil }

// DevReports drops reports on the floor.
type DevReports struct{}

func (DevReports) RecordReport(context.Context, Report) error { return nil }

// DevSessionHistory drops history records.
type DevSessionHistory struct{}

func (DevSessionHistory) RecordSessionEnded(context.Context, string, time.Time, time.Time, string) error {
	return nil
}
