package login

import (
	"fmt"

	"qrlink/internal/wire"
)

// State is one participant's view of the handshake. The two sides never
// share memory; each runs its own machine over the relay's serialized
// messages.
type State int

const (
	StateIdle State = iota
	StateStarted
	StateProtocolNegotiated
	StateTokenExchanged
	StateVerifying
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarted:
		return "started"
	case StateProtocolNegotiated:
		return "protocol_negotiated"
	case StateTokenExchanged:
		return "token_exchanged"
	case StateVerifying:
		return "verifying"
	case StateFinished:
		return "finished"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Role fixes who initiates: the existing device generated the QR code and
// always opens with login.start; the new device scanned it and always
// responds. There is no negotiation of who goes first.
type Role int

const (
	// RoleExistingDevice is the already-authenticated side offering
	// credentials.
	RoleExistingDevice Role = iota
	// RoleNewDevice is the unauthenticated side receiving credentials.
	RoleNewDevice
)

// Direction distinguishes payloads this side emits from payloads it
// receives.
type Direction int

const (
	Send Direction = iota
	Receive
)

// progressShape classifies the three message shapes that travel under
// login.progress.
type progressShape int

const (
	// shapeAnnounce carries only the new device's identity. Sent right
	// after login.start so the writers strictly alternate on the one-slot
	// mailbox.
	shapeAnnounce progressShape = iota
	// shapeOffer carries the existing device's supported protocol set.
	shapeOffer
	// shapeSelection carries the new device's chosen protocol, optionally
	// with its identity.
	shapeSelection
	// shapeGrant carries homeserver, user, login token and the existing
	// device's identity.
	shapeGrant
)

func classifyProgress(p wire.Progress) (progressShape, error) {
	hasOffer := len(p.Protocols) > 0
	hasSelection := p.Protocol != ""
	hasGrant := p.LoginToken != "" || p.Homeserver != "" || p.User != "" ||
		p.VerifyingDeviceID != "" || p.VerifyingDeviceKey != ""
	hasIdentity := p.DeviceID != "" || p.DeviceKey != ""

	switch {
	case hasOffer && !hasSelection && !hasGrant && !hasIdentity:
		return shapeOffer, nil
	case hasSelection && !hasOffer && !hasGrant:
		return shapeSelection, nil
	case hasGrant && !hasOffer && !hasSelection && !hasIdentity:
		if p.LoginToken == "" || p.Homeserver == "" || p.User == "" {
			return 0, fmt.Errorf("%w: incomplete login grant", ErrProtocol)
		}
		return shapeGrant, nil
	case hasIdentity && !hasOffer && !hasSelection && !hasGrant:
		if p.DeviceID == "" || p.DeviceKey == "" {
			return 0, fmt.Errorf("%w: incomplete device identity", ErrProtocol)
		}
		return shapeAnnounce, nil
	}
	return 0, fmt.Errorf("%w: ambiguous login.progress shape", ErrProtocol)
}

// Machine validates handshake transitions for one participant and
// accumulates the fields the handshake exchanges. It owns no I/O.
type Machine struct {
	role  Role
	state State

	offerSent     bool
	announced     bool
	offerReceived bool

	offered  []wire.Protocol
	protocol wire.Protocol

	homeserver string
	user       string
	loginToken string

	peerDeviceID  string
	peerDeviceKey string

	verifyingDeviceID  string
	verifyingDeviceKey string

	masterKey string
	outcome   wire.Outcome
}

// NewMachine creates a machine in StateIdle for the given role.
func NewMachine(role Role) *Machine {
	return &Machine{role: role, state: StateIdle}
}

func (m *Machine) State() State                 { return m.state }
func (m *Machine) Role() Role                   { return m.role }
func (m *Machine) Protocol() wire.Protocol      { return m.protocol }
func (m *Machine) Offered() []wire.Protocol     { return m.offered }
func (m *Machine) Homeserver() string           { return m.homeserver }
func (m *Machine) User() string                 { return m.user }
func (m *Machine) LoginToken() string           { return m.loginToken }
func (m *Machine) PeerDeviceID() string         { return m.peerDeviceID }
func (m *Machine) PeerDeviceKey() string        { return m.peerDeviceKey }
func (m *Machine) VerifyingDeviceID() string    { return m.verifyingDeviceID }
func (m *Machine) VerifyingDeviceKey() string   { return m.verifyingDeviceKey }
func (m *Machine) MasterKey() string            { return m.masterKey }
func (m *Machine) Outcome() wire.Outcome        { return m.outcome }
func (m *Machine) Finished() bool               { return m.state == StateFinished }

// Apply validates one payload against the current state and advances the
// machine. Illegal transitions return ErrProtocol and leave the state
// untouched.
func (m *Machine) Apply(dir Direction, p wire.Payload) error {
	if m.state == StateFinished {
		return m.illegal(dir, p)
	}

	switch v := p.(type) {
	case wire.Start:
		return m.applyStart(dir)
	case wire.Progress:
		return m.applyProgress(dir, v)
	case wire.Finish:
		return m.applyFinish(dir, v)
	}
	return fmt.Errorf("%w: unknown payload variant %T", ErrProtocol, p)
}

func (m *Machine) applyStart(dir Direction) error {
	if m.state != StateIdle {
		return fmt.Errorf("%w: login.start in state %s", ErrProtocol, m.state)
	}
	if (m.role == RoleExistingDevice) != (dir == Send) {
		return fmt.Errorf("%w: only the existing device initiates login.start", ErrProtocol)
	}
	m.state = StateStarted
	return nil
}

func (m *Machine) applyProgress(dir Direction, p wire.Progress) error {
	shape, err := classifyProgress(p)
	if err != nil {
		return err
	}

	switch shape {
	case shapeAnnounce:
		if m.state != StateStarted || m.announceDone() ||
			(m.role == RoleNewDevice) != (dir == Send) {
			return m.illegal(dir, p)
		}
		if m.role == RoleExistingDevice {
			m.peerDeviceID = p.DeviceID
			m.peerDeviceKey = p.DeviceKey
		}
		m.announced = true
		return nil

	case shapeOffer:
		if m.state != StateStarted || !m.announceDone() || m.offerSent ||
			(m.role == RoleExistingDevice) != (dir == Send) {
			return m.illegal(dir, p)
		}
		m.offered = p.Protocols
		if m.role == RoleExistingDevice {
			m.offerSent = true
		} else {
			m.offerReceived = true
		}
		return nil

	case shapeSelection:
		ready := m.offerSent || m.offerReceived
		if m.state != StateStarted || !ready ||
			(m.role == RoleNewDevice) != (dir == Send) {
			return m.illegal(dir, p)
		}
		m.protocol = p.Protocol
		if m.role == RoleExistingDevice && p.DeviceID != "" {
			m.peerDeviceID = p.DeviceID
			m.peerDeviceKey = p.DeviceKey
		}
		m.state = StateProtocolNegotiated
		return nil

	case shapeGrant:
		if m.state != StateProtocolNegotiated ||
			(m.role == RoleExistingDevice) != (dir == Send) {
			return m.illegal(dir, p)
		}
		m.homeserver = p.Homeserver
		m.user = p.User
		m.loginToken = p.LoginToken
		m.verifyingDeviceID = p.VerifyingDeviceID
		m.verifyingDeviceKey = p.VerifyingDeviceKey
		m.state = StateTokenExchanged
		return nil
	}
	return m.illegal(dir, p)
}

// announceDone reports whether the new device's identity announcement has
// happened, from either side's perspective.
func (m *Machine) announceDone() bool { return m.announced }

func (m *Machine) applyFinish(dir Direction, p wire.Finish) error {
	if p.Outcome == wire.OutcomeDeclined {
		// Either side may decline at any point before success.
		m.outcome = wire.OutcomeDeclined
		m.state = StateFinished
		return nil
	}

	// Success flows new device -> existing device only, once the token has
	// been exchanged.
	if m.state != StateTokenExchanged && m.state != StateVerifying {
		return fmt.Errorf("%w: login.finish in state %s", ErrProtocol, m.state)
	}
	if (m.role == RoleNewDevice) != (dir == Send) {
		return fmt.Errorf("%w: only the new device reports success", ErrProtocol)
	}
	if m.role == RoleExistingDevice {
		if p.DeviceID != "" {
			m.peerDeviceID = p.DeviceID
		}
		m.masterKey = p.MasterKey
	}
	m.outcome = wire.OutcomeSuccess
	m.state = StateFinished
	return nil
}

// BeginVerification marks the local transition from TokenExchanged to
// Verifying: the new device while it bootstraps its session, the existing
// device while it awaits the peer's login.finish.
func (m *Machine) BeginVerification() error {
	if m.state != StateTokenExchanged {
		return fmt.Errorf("%w: cannot verify from state %s", ErrProtocol, m.state)
	}
	m.state = StateVerifying
	return nil
}

func (m *Machine) illegal(dir Direction, p wire.Payload) error {
	verb := "received"
	if dir == Send {
		verb = "sent"
	}
	return fmt.Errorf("%w: %s %s in state %s", ErrProtocol, verb, p.PayloadType(), m.state)
}

// SelectProtocol applies the new device's negotiation policy: it requires
// login_token support from the peer's offer.
func SelectProtocol(offered []wire.Protocol) (wire.Protocol, error) {
	for _, p := range offered {
		if p == wire.ProtocolLoginToken {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: offered %v", ErrNoCompatibleProtocol, offered)
}
