package relay

import (
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	cfg := &Config{
		SessionTTL:   time.Minute,
		PollWait:     50 * time.Millisecond,
		MaxBodyBytes: 1024,
	}
	router := gin.New()
	NewHandler(NewMemoryStore(), cfg).Register(router)
	return router
}

func createSession(t *testing.T, router *gin.Engine) (id, etag string) {
	t.Helper()
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/rendezvous", nil))
	require.Equal(t, http.StatusCreated, w.Code)

	etag = w.Header().Get("ETag")
	require.NotEmpty(t, etag)
	location := w.Header().Get("Location")
	require.Contains(t, location, "/v1/rendezvous/")
	id = location[strings.LastIndex(location, "/")+1:]
	require.NotEmpty(t, id)
	require.Contains(t, w.Body.String(), id)
	return id, etag
}

func putMessage(router *gin.Engine, id, etag, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPut, "/v1/rendezvous/"+id, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if etag != "" {
		req.Header.Set("If-Match", etag)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestSessionLifecycle(t *testing.T) {
	router := newTestRouter(t)
	id, etag := createSession(t, router)

	w := putMessage(router, id, etag, `{"iv":"abc","ciphertext":"def"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	next := w.Header().Get("ETag")
	require.NotEmpty(t, next)
	require.NotEqual(t, etag, next)

	// A fresh reader gets the body immediately.
	get := httptest.NewRecorder()
	router.ServeHTTP(get, httptest.NewRequest(http.MethodGet, "/v1/rendezvous/"+id, nil))
	require.Equal(t, http.StatusOK, get.Code)
	require.Equal(t, next, get.Header().Get("ETag"))
	require.JSONEq(t, `{"iv":"abc","ciphertext":"def"}`, get.Body.String())

	del := httptest.NewRecorder()
	router.ServeHTTP(del, httptest.NewRequest(http.MethodDelete, "/v1/rendezvous/"+id, nil))
	require.Equal(t, http.StatusNoContent, del.Code)

	// Deleting again is still a 204; reading is now a 404.
	del = httptest.NewRecorder()
	router.ServeHTTP(del, httptest.NewRequest(http.MethodDelete, "/v1/rendezvous/"+id, nil))
	require.Equal(t, http.StatusNoContent, del.Code)

	get = httptest.NewRecorder()
	router.ServeHTTP(get, httptest.NewRequest(http.MethodGet, "/v1/rendezvous/"+id, nil))
	require.Equal(t, http.StatusNotFound, get.Code)
}

func TestPutStaleVersionRejected(t *testing.T) {
	router := newTestRouter(t)
	id, etag := createSession(t, router)

	w := putMessage(router, id, etag, `{"iv":"a","ciphertext":"b"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	// Writing again with the superseded token must not overwrite.
	w = putMessage(router, id, etag, `{"iv":"x","ciphertext":"y"}`)
	require.Equal(t, http.StatusPreconditionFailed, w.Code)

	get := httptest.NewRecorder()
	router.ServeHTTP(get, httptest.NewRequest(http.MethodGet, "/v1/rendezvous/"+id, nil))
	require.Equal(t, http.StatusOK, get.Code)
	require.JSONEq(t, `{"iv":"a","ciphertext":"b"}`, get.Body.String())
}

func TestPutRequiresIfMatch(t *testing.T) {
	router := newTestRouter(t)
	id, _ := createSession(t, router)

	w := putMessage(router, id, "", `{"iv":"a","ciphertext":"b"}`)
	require.Equal(t, http.StatusPreconditionFailed, w.Code)
}

func TestPutUnknownSession(t *testing.T) {
	router := newTestRouter(t)
	w := putMessage(router, "missing", "some-etag", `{}`)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestPutBodyTooLarge(t *testing.T) {
	router := newTestRouter(t)
	id, etag := createSession(t, router)

	w := putMessage(router, id, etag, strings.Repeat("x", 2048))
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestGetLongPollReleasesWith304(t *testing.T) {
	router := newTestRouter(t)
	id, etag := createSession(t, router)

	w := putMessage(router, id, etag, `{"iv":"a","ciphertext":"b"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	current := w.Header().Get("ETag")

	// The reader already has the current version; the poll should be held
	// open for the wait window and then release empty.
	req := httptest.NewRequest(http.MethodGet, "/v1/rendezvous/"+id, nil)
	req.Header.Set("If-None-Match", current)
	get := httptest.NewRecorder()
	start := time.Now()
	router.ServeHTTP(get, req)
	require.Equal(t, http.StatusNotModified, get.Code)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestGetWakesOnWrite(t *testing.T) {
	cfg := &Config{
		SessionTTL:   time.Minute,
		PollWait:     2 * time.Second,
		MaxBodyBytes: 1024,
	}
	router := gin.New()
	NewHandler(NewMemoryStore(), cfg).Register(router)
	id, etag := createSession(t, router)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		get := httptest.NewRecorder()
		router.ServeHTTP(get, httptest.NewRequest(http.MethodGet, "/v1/rendezvous/"+id, nil))
		done <- get
	}()

	time.Sleep(20 * time.Millisecond)
	w := putMessage(router, id, etag, `{"iv":"a","ciphertext":"b"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	select {
	case get := <-done:
		require.Equal(t, http.StatusOK, get.Code)
		require.JSONEq(t, `{"iv":"a","ciphertext":"b"}`, get.Body.String())
	case <-time.After(time.Second):
		t.Fatal("long-poll reader was not woken by the write")
	}
}
