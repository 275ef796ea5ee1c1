package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validCode() QRLoginCode {
	return QRLoginCode{
		Rendezvous: RendezvousDetails{
			Algorithm: AlgorithmV1,
			Transport: &RendezvousTransportDetails{
				Type: TransportHTTP,
				URI:  "http://relay.example.org/v1/rendezvous/abc",
			},
			Key: "c2VjcmV0",
		},
		Intent: IntentLogin,
	}
}

func TestQRLoginCodeRoundTrip(t *testing.T) {
	code := validCode()
	data, err := code.Encode()
	require.NoError(t, err)

	parsed, err := ParseQRLoginCode(data)
	require.NoError(t, err)
	require.Equal(t, code, parsed)
}

func TestQRLoginCodeValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*QRLoginCode)
	}{
		{"wrong intent", func(c *QRLoginCode) { c.Intent = "reciprocate" }},
		{"missing algorithm", func(c *QRLoginCode) { c.Rendezvous.Algorithm = "" }},
		{"missing key", func(c *QRLoginCode) { c.Rendezvous.Key = "" }},
		{"missing transport", func(c *QRLoginCode) { c.Rendezvous.Transport = nil }},
		{"missing uri", func(c *QRLoginCode) { c.Rendezvous.Transport.URI = "" }},
		{"unknown transport type", func(c *QRLoginCode) { c.Rendezvous.Transport.Type = "udp.v1" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code := validCode()
			tc.mutate(&code)
			_, err := code.Encode()
			require.Error(t, err)
		})
	}
}

func TestParseQRLoginCodeRejectsGarbage(t *testing.T) {
	_, err := ParseQRLoginCode([]byte("not json"))
	require.Error(t, err)
}
