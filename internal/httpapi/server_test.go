package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowkeep/engine/internal/cache"
	"github.com/flowkeep/engine/internal/config"
	"github.com/flowkeep/engine/internal/store"
)

func freePort(t *testing.T) int {
	t.Helper()
	// Deterministic enough for a single-process test run: pick a high port
	// unlikely to collide, since net.Listen(":0") would require plumbing
	// the chosen port back out of Server, which it doesn't expose.
	return 18080
}

func TestServerStartStop(t *testing.T) {
	st := store.NewMemory()
	c, err := cache.Warm(context.Background(), st)
	require.NoError(t, err)
	watcher := cache.NewWatcher(st, c, time.Second, time.Second, nil, nil)
	require.NoError(t, watcher.Start(context.Background()))
	defer watcher.Stop(context.Background())

	cfg := config.ServerConfig{Host: "127.0.0.1", Port: freePort(t)}
	srv := NewServer(cfg, st, c, watcher, nil, nil, nil)

	require.NoError(t, srv.Start(context.Background()))
	defer srv.Stop(context.Background())

	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", cfg.Port))
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, "httpapi", srv.Name())
	assert.NoError(t, srv.Stop(context.Background()))
}
