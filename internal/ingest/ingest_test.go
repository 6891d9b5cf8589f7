package ingest

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noisemon/internal/config"
	"noisemon/internal/model"
)

func testManager(t *testing.T, mutate func(*config.Config)) *config.Manager {
	t.Helper()
	m, err := config.NewManager("")
	require.NoError(t, err)
	cfg := m.Get()
	cfg.Ingest.Parser.Timezone = "UTC"
	if mutate != nil {
		mutate(cfg)
	}
	return m
}

func receive(t *testing.T, ch <-chan model.Record) model.Record {
	t.Helper()
	select {
	case rec := <-ch:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("no record received")
	}
	return model.Record{}
}

func TestRESTAcceptsObjectAndArray(t *testing.T) {
	out := make(chan model.Record, 8)
	srv := httptest.NewServer(NewRESTServer(testManager(t, nil), out, nil).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/measurements", "application/json",
		strings.NewReader(`{"timestamp":"2026-03-02T10:00:00Z","mean_db":-41.5,"source":"mic1"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	rec := receive(t, out)
	assert.Equal(t, "mic1", rec.Source)
	assert.Equal(t, -41.5, rec.Level())

	resp, err = http.Post(srv.URL+"/measurements", "application/json",
		strings.NewReader(`[{"mean_db":-40},{"mean_db":"loud"},{"mean_db":null}]`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.StatusOK, receive(t, out).Status)
	assert.Equal(t, model.StatusCaptureError, receive(t, out).Status)
}

func TestRESTAcceptsLines(t *testing.T) {
	out := make(chan model.Record, 8)
	srv := httptest.NewServer(NewRESTServer(testManager(t, nil), out, nil).Handler())
	defer srv.Close()

	body := "timestamp,mean_db\n2026-03-02T10:00:00Z,-44\n2026-03-02T10:00:10Z,-45\n"
	resp, err := http.Post(srv.URL+"/measurements", "text/csv", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, -44.0, receive(t, out).Level())
	assert.Equal(t, -45.0, receive(t, out).Level())
}

func TestRESTRejects(t *testing.T) {
	out := make(chan model.Record, 1)
	srv := httptest.NewServer(NewRESTServer(testManager(t, nil), out, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/measurements")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/measurements", "application/json", strings.NewReader("   "))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/measurements", "application/json", strings.NewReader(`[{"mean_db":"loud"}]`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestSendNonBlockingDropsWhenFull(t *testing.T) {
	out := make(chan model.Record, 1)
	assert.True(t, SendNonBlocking(context.Background(), out, model.Record{}, nil))
	assert.False(t, SendNonBlocking(context.Background(), out, model.Record{}, nil))
}

func TestTCPStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := testManager(t, func(c *config.Config) {
		c.Ingest.TCPStream.Enabled = true
		c.Ingest.TCPStream.Addr = "127.0.0.1:0"
	})
	out := make(chan model.Record, 4)
	addr := StartTCPStream(ctx, cfg, out, nil)
	require.NotNil(t, addr)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("2026-03-02T10:00:00Z mic7 mean_db=-38\n"))
	require.NoError(t, err)

	rec := receive(t, out)
	assert.Equal(t, "mic7", rec.Source)
	assert.Equal(t, -38.0, rec.Level())
}

func TestTCPStreamDisabled(t *testing.T) {
	assert.Nil(t, StartTCPStream(context.Background(), testManager(t, nil), make(chan model.Record), nil))
}
