package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"qrlink/pkg/logger"
)

// Handler serves the rendezvous session API:
//
//	POST   /v1/rendezvous      create a session
//	PUT    /v1/rendezvous/:id  replace the mailbox body (If-Match required)
//	GET    /v1/rendezvous/:id  long-poll for a newer body (If-None-Match)
//	DELETE /v1/rendezvous/:id  release the session (idempotent)
//
// The relay never inspects message contents; bodies are opaque encrypted
// envelopes.
type Handler struct {
	store    Store
	ttl      time.Duration
	wait     time.Duration
	maxBody  int64
	notifier *notifier
}

// NewHandler creates a rendezvous API handler over the given store.
func NewHandler(store Store, cfg *Config) *Handler {
	return &Handler{
		store:    store,
		ttl:      cfg.SessionTTL,
		wait:     cfg.PollWait,
		maxBody:  cfg.MaxBodyBytes,
		notifier: newNotifier(),
	}
}

// Register mounts the rendezvous routes on the router.
func (h *Handler) Register(r gin.IRouter) {
	v1 := r.Group("/v1")
	v1.POST("/rendezvous", h.Create)
	v1.PUT("/rendezvous/:id", h.Put)
	v1.GET("/rendezvous/:id", h.Get)
	v1.DELETE("/rendezvous/:id", h.Delete)
}

// Create allocates a fresh one-slot mailbox and returns its URI.
func (h *Handler) Create(c *gin.Context) {
	sess := Session{
		ID:          uuid.NewString(),
		ETag:        uuid.NewString(),
		ContentType: "application/json",
		ExpiresAt:   time.Now().Add(h.ttl),
	}
	if err := h.store.Create(c.Request.Context(), sess); err != nil {
		logger.Errorf("rendezvous create failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}

	uri := h.sessionURI(c, sess.ID)
	c.Header("ETag", sess.ETag)
	c.Header("Location", uri)
	c.Header("Expires", sess.ExpiresAt.UTC().Format(http.TimeFormat))
	c.JSON(http.StatusCreated, gin.H{"uri": uri})
}

// Put replaces the mailbox body. The If-Match token detects concurrent
// writers: a stale token gets 412 and must not overwrite.
func (h *Handler) Put(c *gin.Context) {
	id := c.Param("id")
	ifMatch := c.GetHeader("If-Match")
	if ifMatch == "" {
		c.JSON(http.StatusPreconditionFailed, gin.H{"error": "missing If-Match"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, h.maxBody+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	if int64(len(body)) > h.maxBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "message too large"})
		return
	}

	contentType := c.ContentType()
	if contentType == "" {
		contentType = "application/json"
	}
	next := Session{
		ETag:        uuid.NewString(),
		Body:        body,
		ContentType: contentType,
		ExpiresAt:   time.Now().Add(h.ttl),
	}
	err = h.store.Update(c.Request.Context(), id, ifMatch, next)
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	case errors.Is(err, ErrStale):
		c.JSON(http.StatusPreconditionFailed, gin.H{"error": "version mismatch"})
		return
	case err != nil:
		logger.Errorf("rendezvous update failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update session"})
		return
	}

	h.notifier.wake(id)
	c.Header("ETag", next.ETag)
	c.Header("Expires", next.ExpiresAt.UTC().Format(http.TimeFormat))
	c.Status(http.StatusAccepted)
}

// Get returns the mailbox body as soon as its version differs from
// If-None-Match, holding the request open up to the configured wait.
func (h *Handler) Get(c *gin.Context) {
	id := c.Param("id")
	inm := c.GetHeader("If-None-Match")
	deadline := time.NewTimer(h.wait)
	defer deadline.Stop()

	for {
		sess, err := h.store.Get(c.Request.Context(), id)
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		if err != nil {
			logger.Errorf("rendezvous read failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read session"})
			return
		}

		if len(sess.Body) > 0 && sess.ETag != inm {
			c.Header("ETag", sess.ETag)
			c.Header("Expires", sess.ExpiresAt.UTC().Format(http.TimeFormat))
			c.Data(http.StatusOK, sess.ContentType, sess.Body)
			return
		}

		// Register before re-checking so a write between the check above and
		// the select below is not missed.
		woken := h.notifier.wait(id)
		if again, err := h.store.Get(c.Request.Context(), id); err == nil &&
			len(again.Body) > 0 && again.ETag != inm {
			c.Header("ETag", again.ETag)
			c.Header("Expires", again.ExpiresAt.UTC().Format(http.TimeFormat))
			c.Data(http.StatusOK, again.ContentType, again.Body)
			return
		}

		select {
		case <-woken:
			// Newer version may exist; loop and re-read.
		case <-deadline.C:
			c.Header("ETag", sess.ETag)
			c.Status(http.StatusNotModified)
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

// Delete releases the session. Deleting twice (or an unknown session) still
// returns 204.
func (h *Handler) Delete(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.Delete(c.Request.Context(), id); err != nil {
		logger.Errorf("rendezvous delete failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete session"})
		return
	}
	h.notifier.wake(id)
	c.Status(http.StatusNoContent)
}

// StartSweeper purges expired sessions in the background until ctx is
// cancelled.
func (h *Handler) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				purged, err := h.store.PurgeExpired(ctx, time.Now())
				if err != nil {
					logger.Warnf("session sweep failed: %v", err)
					continue
				}
				if purged > 0 {
					logger.Debugf("swept %d expired rendezvous sessions", purged)
				}
			}
		}
	}()
}

func (h *Handler) sessionURI(c *gin.Context, id string) string {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host + "/v1/rendezvous/" + id
}

// notifier wakes long-poll readers when a session is written or deleted.
type notifier struct {
	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

func newNotifier() *notifier {
	return &notifier{waiters: make(map[string][]chan struct{})}
}

// wait registers interest in the next write to id.
func (n *notifier) wait(id string) <-chan struct{} {
	ch := make(chan struct{})
	n.mu.Lock()
	n.waiters[id] = append(n.waiters[id], ch)
	n.mu.Unlock()
	return ch
}

// wake releases every reader currently waiting on id.
func (n *notifier) wake(id string) {
	n.mu.Lock()
	waiters := n.waiters[id]
	delete(n.waiters, id)
	n.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}
