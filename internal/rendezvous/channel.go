// Package rendezvous implements the client side of the relay transport: a
// one-slot mailbox addressed by URI, written with optimistic-concurrency
// version tokens and read via long-polling.
package rendezvous

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"qrlink/internal/wire"
	"qrlink/pkg/logger"
)

var (
	// ErrTransport marks relay/network failures. Retryable only by opening a
	// brand new session, never mid-handshake.
	ErrTransport = errors.New("rendezvous transport error")

	// ErrConflict is returned when a write lost an optimistic-concurrency
	// race. The caller must re-fetch before deciding how to proceed.
	ErrConflict = errors.New("rendezvous session conflict")

	// ErrTimeout is returned when no peer activity arrived within the wait
	// window.
	ErrTimeout = errors.New("rendezvous receive timed out")

	// ErrClosed is returned for operations on a closed channel.
	ErrClosed = errors.New("rendezvous channel closed")
)

// Channel is one relay-hosted rendezvous session. A Channel is exclusively
// owned by a single handshake and never reused.
type Channel struct {
	uri    string
	etag   string
	http   *http.Client
	closed bool
}

// Open creates a new session on the relay and returns a channel bound to it,
// for the existing-device role.
func Open(ctx context.Context, relayURL string) (*Channel, wire.RendezvousTransportDetails, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, relayURL+"/v1/rendezvous", nil)
	if err != nil {
		return nil, wire.RendezvousTransportDetails{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, wire.RendezvousTransportDetails{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, wire.RendezvousTransportDetails{}, fmt.Errorf("%w: create returned %s", ErrTransport, resp.Status)
	}

	var created struct {
		URI string `json:"uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, wire.RendezvousTransportDetails{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if created.URI == "" {
		return nil, wire.RendezvousTransportDetails{}, fmt.Errorf("%w: create response missing uri", ErrTransport)
	}

	ch := &Channel{
		uri:  created.URI,
		etag: resp.Header.Get("ETag"),
		http: &http.Client{},
	}
	details := wire.RendezvousTransportDetails{Type: wire.TransportHTTP, URI: created.URI}
	logger.Debugf("opened rendezvous session %s", created.URI)
	return ch, details, nil
}

// Connect binds a channel to an existing session URI, for the new-device
// role. The first receive observes whatever the peer has already written.
func Connect(details wire.RendezvousTransportDetails) (*Channel, error) {
	if details.Type != wire.TransportHTTP {
		return nil, fmt.Errorf("%w: unsupported transport %q", ErrTransport, details.Type)
	}
	if details.URI == "" {
		return nil, fmt.Errorf("%w: missing session uri", ErrTransport)
	}
	return &Channel{uri: details.URI, http: &http.Client{}}, nil
}

// URI returns the session endpoint on the relay.
func (c *Channel) URI() string { return c.uri }

// Send publishes one encrypted envelope to the session. A concurrent writer
// is detected via the version token and surfaced as ErrConflict.
func (c *Channel) Send(ctx context.Context, msg wire.Message) error {
	if c.closed {
		return ErrClosed
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.uri, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("If-Match", c.etag)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusOK:
		c.etag = resp.Header.Get("ETag")
		return nil
	case http.StatusPreconditionFailed:
		return ErrConflict
	case http.StatusNotFound:
		return fmt.Errorf("%w: session expired", ErrTransport)
	default:
		return fmt.Errorf("%w: send returned %s", ErrTransport, resp.Status)
	}
}

// Receive blocks until a message version newer than the last one seen is
// available or timeout elapses, re-issuing long-poll reads as the relay
// releases them. Cancelling ctx unblocks immediately.
func (c *Channel) Receive(ctx context.Context, timeout time.Duration) (wire.Message, error) {
	if c.closed {
		return wire.Message{}, ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		msg, ok, err := c.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return wire.Message{}, receiveErr(ctx)
			}
			return wire.Message{}, err
		}
		if ok {
			return msg, nil
		}
		// 304 from the relay's wait window; try again until our own
		// deadline fires.
		if ctx.Err() != nil {
			return wire.Message{}, receiveErr(ctx)
		}
	}
}

func receiveErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}

// poll issues one conditional GET. ok is false when the relay released the
// poll without a newer version.
func (c *Channel) poll(ctx context.Context) (wire.Message, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.uri, nil)
	if err != nil {
		return wire.Message{}, false, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if c.etag != "" {
		req.Header.Set("If-None-Match", c.etag)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return wire.Message{}, false, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var msg wire.Message
		if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
			return wire.Message{}, false, fmt.Errorf("%w: %v", ErrTransport, err)
		}
		c.etag = resp.Header.Get("ETag")
		return msg, true, nil
	case http.StatusNotModified:
		io.Copy(io.Discard, resp.Body)
		return wire.Message{}, false, nil
	case http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return wire.Message{}, false, fmt.Errorf("%w: session expired", ErrTransport)
	default:
		io.Copy(io.Discard, resp.Body)
		return wire.Message{}, false, fmt.Errorf("%w: receive returned %s", ErrTransport, resp.Status)
	}
}

// Close releases the relay session. Idempotent; safe to call after failures.
func (c *Channel) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.uri, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	logger.Debugf("closed rendezvous session %s", c.uri)
	return nil
}
