package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidPayload marks payloads whose field combination is illegal for
// their declared type. Always fatal to the handshake.
var ErrInvalidPayload = errors.New("invalid rendezvous payload")

// PayloadType discriminates the protocol messages exchanged during a
// handshake.
type PayloadType string

const (
	TypeStart    PayloadType = "login.start"
	TypeProgress PayloadType = "login.progress"
	TypeFinish   PayloadType = "login.finish"
)

// Protocol identifies a login protocol negotiated between the two devices.
type Protocol string

// ProtocolLoginToken is the only login protocol currently defined: the
// existing device mints a short-lived login token for the new device.
const ProtocolLoginToken Protocol = "login_token"

// Outcome is the terminal marker carried on login.finish.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeDeclined Outcome = "declined"
)

// Payload is one decrypted protocol message. Exactly one concrete variant
// exists per payload type, each carrying only the fields legal for it.
type Payload interface {
	PayloadType() PayloadType
}

// Start opens the handshake. Sent by the existing device.
type Start struct {
	Intent string
}

func (Start) PayloadType() PayloadType { return TypeStart }

// Progress carries the negotiation steps. Three shapes travel under this
// type: the protocol offer (Protocols), the selection (Protocol plus the new
// device's identity), and the login grant (homeserver, user, token plus the
// existing device's identity). Which shape is expected at a given point is
// the state machine's concern; this package only enforces type legality.
type Progress struct {
	Protocols          []Protocol
	Protocol           Protocol
	Homeserver         string
	User               string
	LoginToken         string
	DeviceID           string
	DeviceKey          string
	VerifyingDeviceID  string
	VerifyingDeviceKey string
}

func (Progress) PayloadType() PayloadType { return TypeProgress }

// Finish terminates the handshake. On success the new device reports its
// confirmed device ID and the cross-signing master key it set up.
type Finish struct {
	Outcome   Outcome
	DeviceID  string
	MasterKey string
}

func (Finish) PayloadType() PayloadType { return TypeFinish }

// envelope is the JSON shape of every payload. Optional fields are pointers
// so legality checks can distinguish absent from empty.
type envelope struct {
	Type               PayloadType `json:"type"`
	Intent             *string     `json:"intent,omitempty"`
	Protocols          []Protocol  `json:"protocols,omitempty"`
	Protocol           *Protocol   `json:"protocol,omitempty"`
	Homeserver         *string     `json:"homeserver,omitempty"`
	User               *string     `json:"user,omitempty"`
	LoginToken         *string     `json:"login_token,omitempty"`
	DeviceID           *string     `json:"device_id,omitempty"`
	DeviceKey          *string     `json:"device_key,omitempty"`
	VerifyingDeviceID  *string     `json:"verifying_device_id,omitempty"`
	VerifyingDeviceKey *string     `json:"verifying_device_key,omitempty"`
	MasterKey          *string     `json:"master_key,omitempty"`
	Outcome            *Outcome    `json:"outcome,omitempty"`
}

// EncodePayload serializes a payload variant to its wire JSON.
func EncodePayload(p Payload) ([]byte, error) {
	env := envelope{Type: p.PayloadType()}
	switch v := p.(type) {
	case Start:
		if v.Intent != IntentLogin {
			return nil, fmt.Errorf("%w: login.start with intent %q", ErrInvalidPayload, v.Intent)
		}
		env.Intent = &v.Intent
	case Progress:
		if len(v.Protocols) > 0 && v.Protocol != "" {
			return nil, fmt.Errorf("%w: login.progress with both protocols and protocol", ErrInvalidPayload)
		}
		env.Protocols = v.Protocols
		setIfNonZero(&env.Protocol, v.Protocol)
		setIfNonZero(&env.Homeserver, v.Homeserver)
		setIfNonZero(&env.User, v.User)
		setIfNonZero(&env.LoginToken, v.LoginToken)
		setIfNonZero(&env.DeviceID, v.DeviceID)
		setIfNonZero(&env.DeviceKey, v.DeviceKey)
		setIfNonZero(&env.VerifyingDeviceID, v.VerifyingDeviceID)
		setIfNonZero(&env.VerifyingDeviceKey, v.VerifyingDeviceKey)
	case Finish:
		if v.Outcome != OutcomeSuccess && v.Outcome != OutcomeDeclined {
			return nil, fmt.Errorf("%w: login.finish with outcome %q", ErrInvalidPayload, v.Outcome)
		}
		env.Outcome = &v.Outcome
		setIfNonZero(&env.DeviceID, v.DeviceID)
		setIfNonZero(&env.MasterKey, v.MasterKey)
	default:
		return nil, fmt.Errorf("%w: unknown payload variant %T", ErrInvalidPayload, p)
	}
	return json.Marshal(env)
}

// DecodePayload parses wire JSON into the matching payload variant. Unknown
// types, unknown keys and fields illegal for the declared type are all
// rejected.
func DecodePayload(data []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var env envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	switch env.Type {
	case TypeStart:
		if err := env.onlyFields("intent"); err != nil {
			return nil, err
		}
		if env.Intent == nil || *env.Intent != IntentLogin {
			return nil, fmt.Errorf("%w: login.start missing or unknown intent", ErrInvalidPayload)
		}
		return Start{Intent: *env.Intent}, nil

	case TypeProgress:
		if err := env.onlyFields("protocols", "protocol", "homeserver", "user",
			"login_token", "device_id", "device_key",
			"verifying_device_id", "verifying_device_key"); err != nil {
			return nil, err
		}
		if len(env.Protocols) > 0 && env.Protocol != nil {
			return nil, fmt.Errorf("%w: login.progress with both protocols and protocol", ErrInvalidPayload)
		}
		p := Progress{Protocols: env.Protocols}
		p.Protocol = derefOr(env.Protocol, "")
		p.Homeserver = derefOr(env.Homeserver, "")
		p.User = derefOr(env.User, "")
		p.LoginToken = derefOr(env.LoginToken, "")
		p.DeviceID = derefOr(env.DeviceID, "")
		p.DeviceKey = derefOr(env.DeviceKey, "")
		p.VerifyingDeviceID = derefOr(env.VerifyingDeviceID, "")
		p.VerifyingDeviceKey = derefOr(env.VerifyingDeviceKey, "")
		return p, nil

	case TypeFinish:
		if err := env.onlyFields("outcome", "device_id", "master_key"); err != nil {
			return nil, err
		}
		if env.Outcome == nil {
			return nil, fmt.Errorf("%w: login.finish missing outcome", ErrInvalidPayload)
		}
		if *env.Outcome != OutcomeSuccess && *env.Outcome != OutcomeDeclined {
			return nil, fmt.Errorf("%w: login.finish with outcome %q", ErrInvalidPayload, *env.Outcome)
		}
		return Finish{
			Outcome:   *env.Outcome,
			DeviceID:  derefOr(env.DeviceID, ""),
			MasterKey: derefOr(env.MasterKey, ""),
		}, nil
	}
	return nil, fmt.Errorf("%w: unknown payload type %q", ErrInvalidPayload, env.Type)
}

// onlyFields fails when any envelope field outside the allowed set is
// present.
func (e *envelope) onlyFields(allowed ...string) error {
	set := map[string]bool{}
	for _, name := range allowed {
		set[name] = true
	}
	present := map[string]bool{
		"intent":               e.Intent != nil,
		"protocols":            e.Protocols != nil,
		"protocol":             e.Protocol != nil,
		"homeserver":           e.Homeserver != nil,
		"user":                 e.User != nil,
		"login_token":          e.LoginToken != nil,
		"device_id":            e.DeviceID != nil,
		"device_key":           e.DeviceKey != nil,
		"verifying_device_id":  e.VerifyingDeviceID != nil,
		"verifying_device_key": e.VerifyingDeviceKey != nil,
		"master_key":           e.MasterKey != nil,
		"outcome":              e.Outcome != nil,
	}
	for name, isSet := range present {
		if isSet && !set[name] {
			return fmt.Errorf("%w: field %q is illegal for type %q", ErrInvalidPayload, name, e.Type)
		}
	}
	return nil
}

func setIfNonZero[T comparable](dst **T, v T) {
	var zero T
	if v != zero {
		*dst = &v
	}
}

func derefOr[T any](p *T, fallback T) T {
	if p == nil {
		return fallback
	}
	return *p
}
