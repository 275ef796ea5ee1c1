// Package homeserver is the thin REST client for the authenticated-session
// collaborator boundary: minting login tokens, logging in with one, and
// deleting devices. Cross-signing internals and session persistence stay on
// the server side.
package homeserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"qrlink/internal/login"
)

// Client talks to one homeserver, optionally with an access token.
type Client struct {
	Base  string
	Token string
	HTTP  *http.Client
}

// New creates a client for the given homeserver base URL. token may be empty
// for the not-yet-authenticated role.
func New(base, token string) *Client {
	return &Client{
		Base:  base,
		Token: token,
		HTTP:  &http.Client{Timeout: 30 * time.Second},
	}
}

var (
	_ login.TokenMinter         = (*Client)(nil)
	_ login.SessionBootstrapper = (*Client)(nil)
)

// MintLoginToken asks the homeserver for a short-lived login token to hand
// to the new device.
func (c *Client) MintLoginToken(ctx context.Context, deviceID string) (string, error) {
	var out struct {
		Token     string `json:"login_token"`
		ExpiresIn int    `json:"expires_in"`
	}
	in := map[string]string{"device_id": deviceID}
	if err := c.post(ctx, "/v1/login/token", in, &out); err != nil {
		return "", fmt.Errorf("failed to mint login token: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("homeserver returned empty login token")
	}
	return out.Token, nil
}

// BootstrapSession redeems the login token for a full session. The token is
// single-use; a second redemption fails server-side.
func (c *Client) BootstrapSession(ctx context.Context, token, homeserver, user string) (login.SessionHandle, error) {
	peer := New(homeserver, "")
	var out struct {
		DeviceID    string `json:"device_id"`
		AccessToken string `json:"access_token"`
		MasterKey   string `json:"master_key"`
	}
	in := map[string]string{"login_token": token, "user": user}
	if err := peer.post(ctx, "/v1/login", in, &out); err != nil {
		return login.SessionHandle{}, fmt.Errorf("token login failed: %w", err)
	}
	return login.SessionHandle{
		DeviceID:    out.DeviceID,
		AccessToken: out.AccessToken,
		MasterKey:   out.MasterKey,
	}, nil
}

// DeleteDevice removes a device from the account, for undoing a link that
// was approved by mistake.
func (c *Client) DeleteDevice(ctx context.Context, deviceID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.Base+"/v1/devices/"+url.PathEscape(deviceID), nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("delete device %s: %s", deviceID, resp.Status)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(in); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Base+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("homeserver post %s: %s", path, resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
}
