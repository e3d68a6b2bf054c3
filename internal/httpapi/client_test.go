package httpapi

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowkeep/engine/internal/node"
	"github.com/flowkeep/engine/internal/store"
)

func TestClientAddNodesKillGetTarget(t *testing.T) {
	st := store.NewMemory()
	_, router, _ := newTestHandler(t, st)
	srv := httptest.NewServer(router)
	defer srv.Close()

	client := NewClient(srv.URL, "unused")

	n := node.New("A", node.NoOpBuild())
	ids, err := client.AddNodes(context.Background(), []*node.Node{n})
	require.NoError(t, err)
	require.Equal(t, []string{n.ID}, ids)

	ids, err = st.DrainAdds(context.Background())
	require.NoError(t, err)
	require.Contains(t, ids, n.ID)

	got, err := client.GetTarget(context.Background(), n.ID)
	require.NoError(t, err)
	assert.Equal(t, n.ID, got.ID)

	require.NoError(t, client.Kill(context.Background(), []string{n.ID}))
}
