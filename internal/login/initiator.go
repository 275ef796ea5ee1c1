package login

import (
	"context"
	"errors"
	"fmt"
	"time"

	"qrlink/internal/crypto"
	"qrlink/internal/rendezvous"
	"qrlink/internal/wire"
	"qrlink/pkg/logger"
)

// defaultReceiveTimeout bounds each wait for peer activity. A QR code that
// has not been scanned within this window is treated as expired.
const defaultReceiveTimeout = 2 * time.Minute

// InitiatorConfig configures the existing-device role.
type InitiatorConfig struct {
	// RelayURL is the base URL of the rendezvous relay.
	RelayURL string
	// Homeserver and User identify where and as whom the new device will
	// log in.
	Homeserver string
	User       string
	// DeviceID and DeviceKey are this device's identity, sent so the new
	// device can cross-check who it trusted.
	DeviceID  string
	DeviceKey string
	// Protocols is the advertised login protocol set. Defaults to
	// login_token only.
	Protocols []wire.Protocol
	// ReceiveTimeout bounds each wait for a peer message.
	ReceiveTimeout time.Duration
	// Minter mints the login token once the protocol is agreed.
	Minter TokenMinter
}

// LinkedDevice is the initiator's successful result.
type LinkedDevice struct {
	DeviceID  string
	DeviceKey string
	MasterKey string
}

// Initiator drives the existing-device side of a handshake: it opens the
// rendezvous session, produces the QR code, offers protocols, mints the
// login token and awaits the new device's confirmation.
type Initiator struct {
	cfg     InitiatorConfig
	channel *rendezvous.Channel
	key     crypto.SessionKey
	machine *Machine

	cancel context.CancelFunc
}

// NewInitiator validates the configuration and prepares a driver. Open must
// be called before Run.
func NewInitiator(cfg InitiatorConfig) (*Initiator, error) {
	if cfg.RelayURL == "" {
		return nil, fmt.Errorf("initiator requires a relay URL")
	}
	if cfg.Homeserver == "" || cfg.User == "" {
		return nil, fmt.Errorf("initiator requires homeserver and user")
	}
	if cfg.DeviceID == "" || cfg.DeviceKey == "" {
		return nil, fmt.Errorf("initiator requires a device identity")
	}
	if cfg.Minter == nil {
		return nil, fmt.Errorf("initiator requires a token minter")
	}
	if len(cfg.Protocols) == 0 {
		cfg.Protocols = []wire.Protocol{wire.ProtocolLoginToken}
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = defaultReceiveTimeout
	}
	return &Initiator{cfg: cfg, machine: NewMachine(RoleExistingDevice)}, nil
}

// Open creates the rendezvous session, derives fresh key material and
// returns the login code to render as a QR image. Each call to Open starts
// an entirely new session with new key material.
func (i *Initiator) Open(ctx context.Context) (wire.QRLoginCode, error) {
	secret, err := crypto.NewSecret()
	if err != nil {
		return wire.QRLoginCode{}, err
	}
	key, err := crypto.DeriveKey(wire.AlgorithmV1, secret)
	if err != nil {
		return wire.QRLoginCode{}, err
	}

	channel, transport, err := rendezvous.Open(ctx, i.cfg.RelayURL)
	if err != nil {
		return wire.QRLoginCode{}, err
	}

	i.channel = channel
	i.key = key
	return wire.QRLoginCode{
		Rendezvous: wire.RendezvousDetails{
			Algorithm: wire.AlgorithmV1,
			Transport: &transport,
			Key:       secret,
		},
		Intent: wire.IntentLogin,
	}, nil
}

// Run drives the handshake to completion. It returns the linked device on
// success, ErrDeclined if either side declined, or the failure that aborted
// the handshake. The channel is always closed before returning.
func (i *Initiator) Run(ctx context.Context) (*LinkedDevice, error) {
	if i.channel == nil {
		return nil, fmt.Errorf("initiator not opened")
	}
	ctx, i.cancel = context.WithCancel(ctx)
	defer i.cancel()

	result, err := i.run(ctx)
	i.teardown(err)
	return result, err
}

// Cancel unblocks a Run waiting on the channel. The handshake ends declined.
func (i *Initiator) Cancel() {
	if i.cancel != nil {
		i.cancel()
	}
}

func (i *Initiator) run(ctx context.Context) (*LinkedDevice, error) {
	// login.start opens the conversation.
	if err := i.send(ctx, wire.Start{Intent: wire.IntentLogin}); err != nil {
		return nil, err
	}

	// The new device announces its identity once it has scanned the code.
	payload, err := i.receive(ctx)
	if err != nil {
		return nil, err
	}
	if i.machine.Finished() {
		return nil, i.terminal(payload)
	}

	// Offer our protocol set, then await the peer's selection.
	if err := i.send(ctx, wire.Progress{Protocols: i.cfg.Protocols}); err != nil {
		return nil, err
	}
	payload, err = i.receive(ctx)
	if err != nil {
		return nil, err
	}
	if i.machine.Finished() {
		return nil, i.terminal(payload)
	}
	if !i.offersInclude(i.machine.Protocol()) {
		return nil, fmt.Errorf("%w: peer selected unoffered protocol %q",
			ErrProtocol, i.machine.Protocol())
	}

	// Mint the login token and hand over the credentials.
	token, err := i.cfg.Minter.MintLoginToken(ctx, i.machine.PeerDeviceID())
	if err != nil {
		return nil, fmt.Errorf("failed to mint login token: %w", err)
	}
	grant := wire.Progress{
		Homeserver:         i.cfg.Homeserver,
		User:               i.cfg.User,
		LoginToken:         token,
		VerifyingDeviceID:  i.cfg.DeviceID,
		VerifyingDeviceKey: i.cfg.DeviceKey,
	}
	if err := i.send(ctx, grant); err != nil {
		return nil, err
	}
	if err := i.machine.BeginVerification(); err != nil {
		return nil, err
	}

	// Await the peer's login.finish.
	payload, err = i.receive(ctx)
	if err != nil {
		return nil, err
	}
	if i.machine.Outcome() == wire.OutcomeDeclined {
		return nil, ErrDeclined
	}
	logger.Infof("linked new device %s", i.machine.PeerDeviceID())
	return &LinkedDevice{
		DeviceID:  i.machine.PeerDeviceID(),
		DeviceKey: i.machine.PeerDeviceKey(),
		MasterKey: i.machine.MasterKey(),
	}, nil
}

func (i *Initiator) offersInclude(p wire.Protocol) bool {
	for _, offered := range i.cfg.Protocols {
		if offered == p {
			return true
		}
	}
	return false
}

func (i *Initiator) terminal(p wire.Payload) error {
	if i.machine.Outcome() == wire.OutcomeDeclined {
		return ErrDeclined
	}
	return fmt.Errorf("%w: unexpected terminal payload %s", ErrProtocol, p.PayloadType())
}

func (i *Initiator) send(ctx context.Context, p wire.Payload) error {
	if err := i.machine.Apply(Send, p); err != nil {
		return err
	}
	msg, err := crypto.Encrypt(p, i.key)
	if err != nil {
		return err
	}
	logger.Tracef("initiator sending %s", p.PayloadType())
	return i.channel.Send(ctx, msg)
}

func (i *Initiator) receive(ctx context.Context) (wire.Payload, error) {
	msg, err := i.channel.Receive(ctx, i.cfg.ReceiveTimeout)
	if err != nil {
		return nil, err
	}
	payload, err := crypto.Decrypt(msg, i.key)
	if err != nil {
		return nil, err
	}
	logger.Tracef("initiator received %s", payload.PayloadType())
	if err := i.machine.Apply(Receive, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// teardown closes the channel, best-effort declining first when the
// handshake did not reach a terminal outcome. The initiator receives the
// terminal login.finish, so it always closes the session.
func (i *Initiator) teardown(runErr error) {
	endHandshake(i.channel, i.key, i.machine, runErr, true)
}

// endHandshake sends login.finish(declined) when a handshake aborts before a
// terminal outcome, then releases the channel. Both role drivers share it so
// cancellation never leaks an open relay session.
//
// closeOnSuccess is false for the side that SENT the terminal message: its
// peer still has to read that message, so the session is left to the relay's
// TTL instead of being deleted out from under the reader.
func endHandshake(ch *rendezvous.Channel, key crypto.SessionKey, m *Machine, runErr error, closeOnSuccess bool) {
	if ch == nil {
		return
	}
	if runErr == nil && !closeOnSuccess {
		return
	}
	defer ch.Close()

	if m.Finished() || runErr == nil || errors.Is(runErr, ErrDeclined) {
		return
	}
	msg, err := crypto.Encrypt(wire.Finish{Outcome: wire.OutcomeDeclined}, key)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ch.Send(ctx, msg); err != nil {
		logger.Debugf("decline on teardown not delivered: %v", err)
	}
}
