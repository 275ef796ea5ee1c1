package login

import "context"

// TokenMinter mints short-lived login tokens through the authenticated
// session. Used by the existing-device role.
type TokenMinter interface {
	MintLoginToken(ctx context.Context, deviceID string) (string, error)
}

// SessionHandle describes the session the new device established with the
// minted token: its confirmed device ID and the cross-signing master key it
// set up during bootstrap.
type SessionHandle struct {
	DeviceID    string
	AccessToken string
	MasterKey   string
}

// SessionBootstrapper logs the new device in with the received token. Used
// by the new-device role.
type SessionBootstrapper interface {
	BootstrapSession(ctx context.Context, token, homeserver, user string) (SessionHandle, error)
}
