package login

import (
	"context"
	"fmt"
	"time"

	"qrlink/internal/crypto"
	"qrlink/internal/rendezvous"
	"qrlink/internal/wire"
	"qrlink/pkg/logger"
)

// ResponderConfig configures the new-device role.
type ResponderConfig struct {
	// DeviceID and DeviceKey are this device's identity, announced for the
	// existing device to verify.
	DeviceID  string
	DeviceKey string
	// ReceiveTimeout bounds each wait for a peer message.
	ReceiveTimeout time.Duration
	// Bootstrapper logs in with the received token.
	Bootstrapper SessionBootstrapper
}

// Credentials is the responder's successful result: everything the new
// device needs to operate, plus the identity of the device that vouched for
// it.
type Credentials struct {
	Homeserver         string
	User               string
	LoginToken         string
	Session            SessionHandle
	VerifyingDeviceID  string
	VerifyingDeviceKey string
}

// Responder drives the new-device side of a handshake: it connects to the
// session advertised in a scanned login code, negotiates the login protocol,
// bootstraps a session with the received token and reports the outcome.
type Responder struct {
	cfg     ResponderConfig
	channel *rendezvous.Channel
	key     crypto.SessionKey
	machine *Machine

	cancel context.CancelFunc
}

// NewResponder validates the scanned code, derives the session key from its
// secret and connects to the advertised transport.
func NewResponder(code wire.QRLoginCode, cfg ResponderConfig) (*Responder, error) {
	if cfg.DeviceID == "" || cfg.DeviceKey == "" {
		return nil, fmt.Errorf("responder requires a device identity")
	}
	if cfg.Bootstrapper == nil {
		return nil, fmt.Errorf("responder requires a session bootstrapper")
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = defaultReceiveTimeout
	}

	key, err := crypto.DeriveKey(code.Rendezvous.Algorithm, code.Rendezvous.Key)
	if err != nil {
		return nil, err
	}
	channel, err := rendezvous.Connect(*code.Rendezvous.Transport)
	if err != nil {
		return nil, err
	}
	return &Responder{
		cfg:     cfg,
		channel: channel,
		key:     key,
		machine: NewMachine(RoleNewDevice),
	}, nil
}

// Run drives the handshake to completion. It returns credentials on
// success, ErrDeclined if the peer declined, or the failure that aborted the
// handshake. The channel is always closed before returning.
func (r *Responder) Run(ctx context.Context) (*Credentials, error) {
	ctx, r.cancel = context.WithCancel(ctx)
	defer r.cancel()

	result, err := r.run(ctx)
	// On success the responder sent the terminal message; the initiator (or
	// the relay TTL) releases the session after reading it.
	endHandshake(r.channel, r.key, r.machine, err, false)
	return result, err
}

// Cancel unblocks a Run waiting on the channel. The handshake ends declined.
func (r *Responder) Cancel() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *Responder) run(ctx context.Context) (*Credentials, error) {
	// The existing device opens with login.start.
	payload, err := r.receive(ctx)
	if err != nil {
		return nil, err
	}
	if r.machine.Finished() {
		return nil, r.terminal(payload)
	}

	// Announce our identity so the existing device knows we arrived.
	announce := wire.Progress{DeviceID: r.cfg.DeviceID, DeviceKey: r.cfg.DeviceKey}
	if err := r.send(ctx, announce); err != nil {
		return nil, err
	}

	// Receive the protocol offer and select from it.
	payload, err = r.receive(ctx)
	if err != nil {
		return nil, err
	}
	if r.machine.Finished() {
		return nil, r.terminal(payload)
	}
	chosen, err := SelectProtocol(r.machine.Offered())
	if err != nil {
		return nil, err
	}
	selection := wire.Progress{
		Protocol:  chosen,
		DeviceID:  r.cfg.DeviceID,
		DeviceKey: r.cfg.DeviceKey,
	}
	if err := r.send(ctx, selection); err != nil {
		return nil, err
	}

	// Receive the login grant.
	payload, err = r.receive(ctx)
	if err != nil {
		return nil, err
	}
	if r.machine.Finished() {
		return nil, r.terminal(payload)
	}

	// Bootstrap our session with the minted token, then report back.
	if err := r.machine.BeginVerification(); err != nil {
		return nil, err
	}
	handle, err := r.cfg.Bootstrapper.BootstrapSession(ctx,
		r.machine.LoginToken(), r.machine.Homeserver(), r.machine.User())
	if err != nil {
		return nil, fmt.Errorf("session bootstrap failed: %w", err)
	}

	finish := wire.Finish{
		Outcome:   wire.OutcomeSuccess,
		DeviceID:  handle.DeviceID,
		MasterKey: handle.MasterKey,
	}
	if err := r.send(ctx, finish); err != nil {
		return nil, err
	}

	logger.Infof("logged in as %s on %s", r.machine.User(), r.machine.Homeserver())
	return &Credentials{
		Homeserver:         r.machine.Homeserver(),
		User:               r.machine.User(),
		LoginToken:         r.machine.LoginToken(),
		Session:            handle,
		VerifyingDeviceID:  r.machine.VerifyingDeviceID(),
		VerifyingDeviceKey: r.machine.VerifyingDeviceKey(),
	}, nil
}

func (r *Responder) terminal(p wire.Payload) error {
	if r.machine.Outcome() == wire.OutcomeDeclined {
		return ErrDeclined
	}
	return fmt.Errorf("%w: unexpected terminal payload %s", ErrProtocol, p.PayloadType())
}

func (r *Responder) send(ctx context.Context, p wire.Payload) error {
	if err := r.machine.Apply(Send, p); err != nil {
		return err
	}
	msg, err := crypto.Encrypt(p, r.key)
	if err != nil {
		return err
	}
	logger.Tracef("responder sending %s", p.PayloadType())
	return r.channel.Send(ctx, msg)
}

func (r *Responder) receive(ctx context.Context) (wire.Payload, error) {
	msg, err := r.channel.Receive(ctx, r.cfg.ReceiveTimeout)
	if err != nil {
		return nil, err
	}
	payload, err := crypto.Decrypt(msg, r.key)
	if err != nil {
		return nil, err
	}
	logger.Tracef("responder received %s", payload.PayloadType())
	if err := r.machine.Apply(Receive, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
