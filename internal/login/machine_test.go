package login

import (
	"testing"

	"github.com/stretchr/testify/require"

	"qrlink/internal/wire"
)

var (
	announce = wire.Progress{DeviceID: "NEWDEV", DeviceKey: "newkey"}
	offer    = wire.Progress{Protocols: []wire.Protocol{wire.ProtocolLoginToken}}
	selected = wire.Progress{Protocol: wire.ProtocolLoginToken}
	grant    = wire.Progress{
		Homeserver:         "https://hs.example.org",
		User:               "@alice:example.org",
		LoginToken:         "tok",
		VerifyingDeviceID:  "OLDDEV",
		VerifyingDeviceKey: "oldkey",
	}
)

func TestExistingDeviceHappyPath(t *testing.T) {
	m := NewMachine(RoleExistingDevice)
	require.Equal(t, StateIdle, m.State())

	require.NoError(t, m.Apply(Send, wire.Start{Intent: wire.IntentLogin}))
	require.Equal(t, StateStarted, m.State())

	require.NoError(t, m.Apply(Receive, announce))
	require.Equal(t, "NEWDEV", m.PeerDeviceID())
	require.Equal(t, "newkey", m.PeerDeviceKey())

	require.NoError(t, m.Apply(Send, offer))
	require.NoError(t, m.Apply(Receive, selected))
	require.Equal(t, StateProtocolNegotiated, m.State())
	require.Equal(t, wire.ProtocolLoginToken, m.Protocol())

	require.NoError(t, m.Apply(Send, grant))
	require.Equal(t, StateTokenExchanged, m.State())
	require.NoError(t, m.BeginVerification())
	require.Equal(t, StateVerifying, m.State())

	finish := wire.Finish{Outcome: wire.OutcomeSuccess, DeviceID: "NEWDEV2", MasterKey: "mk"}
	require.NoError(t, m.Apply(Receive, finish))
	require.True(t, m.Finished())
	require.Equal(t, wire.OutcomeSuccess, m.Outcome())
	require.Equal(t, "NEWDEV2", m.PeerDeviceID())
	require.Equal(t, "mk", m.MasterKey())
}

func TestNewDeviceHappyPath(t *testing.T) {
	m := NewMachine(RoleNewDevice)

	require.NoError(t, m.Apply(Receive, wire.Start{Intent: wire.IntentLogin}))
	require.NoError(t, m.Apply(Send, announce))
	require.NoError(t, m.Apply(Receive, offer))
	require.Equal(t, offer.Protocols, m.Offered())

	require.NoError(t, m.Apply(Send, selected))
	require.Equal(t, StateProtocolNegotiated, m.State())

	require.NoError(t, m.Apply(Receive, grant))
	require.Equal(t, StateTokenExchanged, m.State())
	require.Equal(t, "https://hs.example.org", m.Homeserver())
	require.Equal(t, "@alice:example.org", m.User())
	require.Equal(t, "tok", m.LoginToken())
	require.Equal(t, "OLDDEV", m.VerifyingDeviceID())
	require.Equal(t, "oldkey", m.VerifyingDeviceKey())

	require.NoError(t, m.BeginVerification())
	finish := wire.Finish{Outcome: wire.OutcomeSuccess, DeviceID: "NEWDEV", MasterKey: "mk"}
	require.NoError(t, m.Apply(Send, finish))
	require.True(t, m.Finished())
}

func TestStartOnlyLegalInIdle(t *testing.T) {
	m := NewMachine(RoleExistingDevice)
	require.NoError(t, m.Apply(Send, wire.Start{Intent: wire.IntentLogin}))
	err := m.Apply(Send, wire.Start{Intent: wire.IntentLogin})
	require.ErrorIs(t, err, ErrProtocol)
	require.Equal(t, StateStarted, m.State())
}

func TestOnlyExistingDeviceStarts(t *testing.T) {
	m := NewMachine(RoleNewDevice)
	err := m.Apply(Send, wire.Start{Intent: wire.IntentLogin})
	require.ErrorIs(t, err, ErrProtocol)
	require.Equal(t, StateIdle, m.State())
}

func TestProgressBeforeStartIsIllegal(t *testing.T) {
	m := NewMachine(RoleExistingDevice)
	err := m.Apply(Send, offer)
	require.ErrorIs(t, err, ErrProtocol)
}

func TestGrantBeforeSelectionIsIllegal(t *testing.T) {
	m := NewMachine(RoleExistingDevice)
	require.NoError(t, m.Apply(Send, wire.Start{Intent: wire.IntentLogin}))
	require.NoError(t, m.Apply(Receive, announce))
	require.NoError(t, m.Apply(Send, offer))
	err := m.Apply(Send, grant)
	require.ErrorIs(t, err, ErrProtocol)
	require.Equal(t, StateStarted, m.State())
}

func TestDeclineLegalFromAnyActiveState(t *testing.T) {
	decline := wire.Finish{Outcome: wire.OutcomeDeclined}

	m := NewMachine(RoleNewDevice)
	require.NoError(t, m.Apply(Receive, wire.Start{Intent: wire.IntentLogin}))
	require.NoError(t, m.Apply(Send, decline))
	require.True(t, m.Finished())
	require.Equal(t, wire.OutcomeDeclined, m.Outcome())

	m = NewMachine(RoleExistingDevice)
	require.NoError(t, m.Apply(Send, wire.Start{Intent: wire.IntentLogin}))
	require.NoError(t, m.Apply(Receive, announce))
	require.NoError(t, m.Apply(Send, offer))
	require.NoError(t, m.Apply(Receive, selected))
	require.NoError(t, m.Apply(Receive, decline))
	require.True(t, m.Finished())
}

func TestNothingLegalAfterFinish(t *testing.T) {
	m := NewMachine(RoleNewDevice)
	require.NoError(t, m.Apply(Receive, wire.Start{Intent: wire.IntentLogin}))
	require.NoError(t, m.Apply(Send, wire.Finish{Outcome: wire.OutcomeDeclined}))

	err := m.Apply(Send, announce)
	require.ErrorIs(t, err, ErrProtocol)
	err = m.Apply(Receive, wire.Finish{Outcome: wire.OutcomeDeclined})
	require.ErrorIs(t, err, ErrProtocol)
}

func TestSuccessRequiresTokenExchange(t *testing.T) {
	m := NewMachine(RoleNewDevice)
	require.NoError(t, m.Apply(Receive, wire.Start{Intent: wire.IntentLogin}))
	err := m.Apply(Send, wire.Finish{Outcome: wire.OutcomeSuccess})
	require.ErrorIs(t, err, ErrProtocol)
}

func TestOnlyNewDeviceReportsSuccess(t *testing.T) {
	m := NewMachine(RoleExistingDevice)
	require.NoError(t, m.Apply(Send, wire.Start{Intent: wire.IntentLogin}))
	require.NoError(t, m.Apply(Receive, announce))
	require.NoError(t, m.Apply(Send, offer))
	require.NoError(t, m.Apply(Receive, selected))
	require.NoError(t, m.Apply(Send, grant))

	err := m.Apply(Send, wire.Finish{Outcome: wire.OutcomeSuccess})
	require.ErrorIs(t, err, ErrProtocol)
}

func TestAmbiguousProgressShapes(t *testing.T) {
	m := NewMachine(RoleExistingDevice)
	require.NoError(t, m.Apply(Send, wire.Start{Intent: wire.IntentLogin}))

	mixed := wire.Progress{
		Protocols:  []wire.Protocol{wire.ProtocolLoginToken},
		LoginToken: "tok",
		Homeserver: "https://hs.example.org",
		User:       "@alice:example.org",
	}
	err := m.Apply(Send, mixed)
	require.ErrorIs(t, err, ErrProtocol)

	partial := wire.Progress{LoginToken: "tok"}
	err = m.Apply(Receive, partial)
	require.ErrorIs(t, err, ErrProtocol)
}

func TestSelectProtocol(t *testing.T) {
	p, err := SelectProtocol([]wire.Protocol{"sso", wire.ProtocolLoginToken})
	require.NoError(t, err)
	require.Equal(t, wire.ProtocolLoginToken, p)

	_, err = SelectProtocol([]wire.Protocol{"sso"})
	require.ErrorIs(t, err, ErrNoCompatibleProtocol)
}
