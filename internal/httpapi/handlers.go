package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/flowkeep/engine/internal/apierrors"
	"github.com/flowkeep/engine/internal/cache"
	"github.com/flowkeep/engine/internal/logging"
	"github.com/flowkeep/engine/internal/node"
	"github.com/flowkeep/engine/internal/store"
)

// Waker lets the engine be nudged into an immediate tick once a batch has
// been queued, instead of leaving it to sit idle for a full
// block_step_time. *internal/engine.Engine satisfies this.
type Waker interface {
	Wake()
}

type noopWaker struct{}

func (noopWaker) Wake() {}

// Handler implements spec §6's four endpoints against a Store, a C4 Cache
// for fast reads, and a cache.Watcher for the SSE change stream.
type Handler struct {
	store   store.Store
	cache   *cache.Cache
	watcher *cache.Watcher
	waker   Waker
	log     *logging.Logger
}

// NewHandler builds a Handler. waker may be nil, in which case queuing
// operations simply wait out the engine's own poll interval.
func NewHandler(st store.Store, c *cache.Cache, watcher *cache.Watcher, waker Waker, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.NewDefault("httpapi")
	}
	if waker == nil {
		waker = noopWaker{}
	}
	return &Handler{store: st, cache: c, watcher: watcher, waker: waker, log: log}
}

// Mount registers every endpoint on r, wrapping handlers requiring auth
// with requireToken when auth is non-nil (a nil auth is used only by tests).
func (h *Handler) Mount(r *mux.Router, auth *TokenAuthenticator) {
	wrap := func(fn http.HandlerFunc) http.Handler {
		if auth == nil {
			return fn
		}
		return requireToken(auth, fn)
	}
	r.Handle("/add-nodes", wrap(h.handleAddNodes)).Methods(http.MethodPost)
	r.Handle("/kill", wrap(h.handleKill)).Methods(http.MethodPost)
	r.Handle("/target/{id}", wrap(h.handleGetTarget)).Methods(http.MethodGet)
	r.Handle("/changes", wrap(h.handleChanges)).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.handleHealthz).Methods(http.MethodGet)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAddNodes implements POST /add-nodes: the body is a JSON array of
// stored-node shapes (spec §6); pointers may only be produced by the
// engine's own equivalence fold, never submitted directly.
func (h *Handler) handleAddNodes(w http.ResponseWriter, r *http.Request) {
	var stored []node.StoredNode
	if err := json.NewDecoder(r.Body).Decode(&stored); err != nil {
		writeError(w, apierrors.InvalidInput("body", err.Error()))
		return
	}
	if len(stored) == 0 {
		writeError(w, apierrors.MissingParameter("nodes"))
		return
	}

	nodes := make([]*node.Node, 0, len(stored))
	for i, s := range stored {
		if s.Pointer != nil {
			writeError(w, apierrors.InvalidInput(fmt.Sprintf("nodes[%d]", i), "client-submitted pointers are not accepted"))
			return
		}
		if s.Inline == nil {
			writeError(w, apierrors.InvalidInput(fmt.Sprintf("nodes[%d]", i), "missing inline node"))
			return
		}
		n := s.Inline
		if n.ID == "" {
			n.ID = uuid.NewString()
		}
		if len(n.History) == 0 {
			n.History = node.NewHistory(time.Now().UTC())
		}
		nodes = append(nodes, n)
	}

	queueID, err := h.store.QueueAdds(r.Context(), nodes)
	if err != nil {
		writeError(w, err)
		return
	}
	h.waker.Wake()

	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"queue_id": queueID, "ids": ids})
}

// handleKill implements POST /kill: the body is a JSON array of ids.
func (h *Handler) handleKill(w http.ResponseWriter, r *http.Request) {
	var ids []string
	if err := json.NewDecoder(r.Body).Decode(&ids); err != nil {
		writeError(w, apierrors.InvalidInput("body", err.Error()))
		return
	}
	if len(ids) == 0 {
		writeError(w, apierrors.MissingParameter("ids"))
		return
	}

	queueID, err := h.store.QueueKills(r.Context(), ids)
	if err != nil {
		writeError(w, err)
		return
	}
	h.waker.Wake()
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"queue_id": queueID})
}

// handleGetTarget implements GET /target/{id}: the full node plus full
// history. The cache is consulted first (the hot path every poller should
// hit); a cache miss falls through to the store directly.
func (h *Handler) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id == "" {
		writeError(w, apierrors.MissingParameter("id"))
		return
	}
	if n, ok := h.cache.Get(id); ok {
		writeJSON(w, http.StatusOK, n)
		return
	}
	n, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// handleChanges implements GET /changes as server-sent events, fed by the
// cache watcher's coalesced batch stream (spec §4.4).
func (h *Handler) handleChanges(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apierrors.Internal("streaming unsupported", nil))
		return
	}

	events, cancel := h.watcher.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(batch)
			if err != nil {
				h.log.WithField("error", err).Error("changes: marshal batch")
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
