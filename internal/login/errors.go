package login

import "errors"

var (
	// ErrProtocol marks an illegal payload for the current handshake state or
	// a malformed field combination. Always fatal; the channel must be
	// closed.
	ErrProtocol = errors.New("login protocol violation")

	// ErrNoCompatibleProtocol is returned when negotiation fails because the
	// peer offers no login protocol this device supports. Fatal.
	ErrNoCompatibleProtocol = errors.New("no compatible login protocol")

	// ErrDeclined reports that a side ended the handshake with
	// outcome=declined. A legitimate terminal state, surfaced distinctly
	// from failures.
	ErrDeclined = errors.New("login declined")
)
