package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowkeep/engine/internal/cache"
	"github.com/flowkeep/engine/internal/node"
	"github.com/flowkeep/engine/internal/store"
)

type countingWaker struct{ n int }

func (w *countingWaker) Wake() { w.n++ }

func newTestHandler(t *testing.T, st store.Store) (*Handler, *mux.Router, *countingWaker) {
	t.Helper()
	c, err := cache.Warm(context.Background(), st)
	require.NoError(t, err)
	watcher := cache.NewWatcher(st, c, time.Millisecond, time.Millisecond, nil, nil)
	require.NoError(t, watcher.Start(context.Background()))
	t.Cleanup(func() { _ = watcher.Stop(context.Background()) })

	waker := &countingWaker{}
	h := NewHandler(st, c, watcher, waker, nil)
	r := mux.NewRouter()
	h.Mount(r, nil)
	return h, r, waker
}

func TestAddNodesQueuesAndWakesEngine(t *testing.T) {
	st := store.NewMemory()
	_, router, waker := newTestHandler(t, st)

	n := node.New("A", node.NoOpBuild())
	body, err := json.Marshal([]node.StoredNode{node.InlineStoredNode(n)})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/add-nodes", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, waker.n)

	var resp struct {
		IDs []string `json:"ids"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{n.ID}, resp.IDs)
}

func TestAddNodesRejectsSubmittedPointer(t *testing.T) {
	st := store.NewMemory()
	_, router, _ := newTestHandler(t, st)

	body, err := json.Marshal([]node.StoredNode{node.PointerStoredNode("p1", "other")})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/add-nodes", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAddNodesRejectsEmptyBatch(t *testing.T) {
	st := store.NewMemory()
	_, router, _ := newTestHandler(t, st)

	req := httptest.NewRequest(http.MethodPost, "/add-nodes", bytes.NewReader([]byte("[]")))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestKillQueuesAndWakesEngine(t *testing.T) {
	st := store.NewMemory()
	_, router, waker := newTestHandler(t, st)

	body, err := json.Marshal([]string{"a", "b"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/kill", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, waker.n)
}

func TestGetTargetHitsCacheThenStore(t *testing.T) {
	st := store.NewMemory()
	n := node.New("A", node.NoOpBuild())
	require.NoError(t, n.Activate(node.ActivatedByUser()))
	require.NoError(t, st.ForceInsertPassive(context.Background(), n))

	_, router, _ := newTestHandler(t, st)

	req := httptest.NewRequest(http.MethodGet, "/target/"+n.ID, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var got node.Node
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, n.ID, got.ID)
}

func TestGetTargetUnknownIDReturns404(t *testing.T) {
	st := store.NewMemory()
	_, router, _ := newTestHandler(t, st)

	req := httptest.NewRequest(http.MethodGet, "/target/does-not-exist", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
