package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeStartWireKeys(t *testing.T) {
	data, err := EncodePayload(Start{Intent: IntentLogin})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Equal(t, map[string]any{
		"type":   "login.start",
		"intent": "login.start",
	}, raw)
}

func TestEncodeProgressWireKeys(t *testing.T) {
	data, err := EncodePayload(Progress{
		Homeserver:         "https://hs.example.org",
		User:               "@alice:example.org",
		LoginToken:         "syl_abc",
		VerifyingDeviceID:  "OLDDEV",
		VerifyingDeviceKey: "oldkey",
	})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Equal(t, map[string]any{
		"type":                 "login.progress",
		"homeserver":           "https://hs.example.org",
		"user":                 "@alice:example.org",
		"login_token":          "syl_abc",
		"verifying_device_id":  "OLDDEV",
		"verifying_device_key": "oldkey",
	}, raw)
}

func TestEncodeFinishWireKeys(t *testing.T) {
	data, err := EncodePayload(Finish{
		Outcome:   OutcomeSuccess,
		DeviceID:  "NEWDEV",
		MasterKey: "mk",
	})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Equal(t, map[string]any{
		"type":       "login.finish",
		"outcome":    "success",
		"device_id":  "NEWDEV",
		"master_key": "mk",
	}, raw)
}

func TestPayloadRoundTrip(t *testing.T) {
	payloads := []Payload{
		Start{Intent: IntentLogin},
		Progress{Protocols: []Protocol{ProtocolLoginToken}},
		Progress{Protocol: ProtocolLoginToken, DeviceID: "NEWDEV", DeviceKey: "nk"},
		Progress{
			Homeserver:         "https://hs.example.org",
			User:               "@alice:example.org",
			LoginToken:         "tok",
			VerifyingDeviceID:  "OLDDEV",
			VerifyingDeviceKey: "ok",
		},
		Finish{Outcome: OutcomeDeclined},
		Finish{Outcome: OutcomeSuccess, DeviceID: "NEWDEV", MasterKey: "mk"},
	}
	for _, p := range payloads {
		data, err := EncodePayload(p)
		require.NoError(t, err)
		got, err := DecodePayload(data)
		require.NoError(t, err)
		require.Equal(t, p, got)
	}
}

func TestDecodeRejectsIllegalFields(t *testing.T) {
	cases := []struct {
		name string
		json string
	}{
		{"start with login_token", `{"type":"login.start","intent":"login.start","login_token":"t"}`},
		{"start without intent", `{"type":"login.start"}`},
		{"start with wrong intent", `{"type":"login.start","intent":"reciprocate"}`},
		{"progress with outcome", `{"type":"login.progress","protocol":"login_token","outcome":"success"}`},
		{"progress with master_key", `{"type":"login.progress","protocol":"login_token","master_key":"mk"}`},
		{"progress offer and selection", `{"type":"login.progress","protocols":["login_token"],"protocol":"login_token"}`},
		{"finish with login_token", `{"type":"login.finish","outcome":"success","login_token":"t"}`},
		{"finish without outcome", `{"type":"login.finish"}`},
		{"finish with unknown outcome", `{"type":"login.finish","outcome":"maybe"}`},
		{"unknown type", `{"type":"login.reciprocate"}`},
		{"unknown key", `{"type":"login.start","intent":"login.start","extra":1}`},
		{"missing type", `{"intent":"login.start"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodePayload([]byte(tc.json))
			require.ErrorIs(t, err, ErrInvalidPayload)
		})
	}
}

func TestEncodeRejectsIllegalCombinations(t *testing.T) {
	_, err := EncodePayload(Start{Intent: "other"})
	require.ErrorIs(t, err, ErrInvalidPayload)

	_, err = EncodePayload(Progress{
		Protocols: []Protocol{ProtocolLoginToken},
		Protocol:  ProtocolLoginToken,
	})
	require.ErrorIs(t, err, ErrInvalidPayload)

	_, err = EncodePayload(Finish{Outcome: "maybe"})
	require.ErrorIs(t, err, ErrInvalidPayload)
}
