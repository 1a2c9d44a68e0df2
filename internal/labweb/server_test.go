package labweb

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netlab-tools/labgrade/internal/expect"
	"github.com/netlab-tools/labgrade/internal/log"
	"github.com/netlab-tools/labgrade/internal/workspace"
)

func TestPage(t *testing.T) {
	assert.Equal(t, "<h1>Attacker web server (abc123)</h1>\n", Page("Attacker web server", "abc123"))
}

func TestHandlerServesTokenOnEveryPath(t *testing.T) {
	h := NewHandler("", "abc123", log.Nop())

	for _, path := range []string{"/", "/index.html", "/a/b"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))

		assert.Equal(t, http.StatusOK, rr.Code, path)
		assert.Equal(t, "<h1>Default web server (abc123)</h1>\n", rr.Body.String(), path)
		assert.Equal(t, "text/html", rr.Header().Get("Content-Type"))
		assert.True(t, expect.Contains(rr.Body.String(), "Default"))
	}
}

func TestHandlerHealthz(t *testing.T) {
	h := NewHandler("Attacker", "t", log.Nop())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestHandlerRejectsPost(t *testing.T) {
	h := NewHandler("", "t", log.Nop())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestServeMissingToken(t *testing.T) {
	err := Serve(context.Background(), Config{
		Addr:      "127.0.0.1:0",
		TokenFile: filepath.Join(t.TempDir(), workspace.TokenFile),
	})
	assert.Error(t, err)
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, ln, NewHandler("Attacker web server", "tok", log.Nop()), log.Nop()) }()

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		body = string(data)
		return true
	}, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, "<h1>Attacker web server (tok)</h1>\n", body)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
