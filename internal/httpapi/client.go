package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flowkeep/engine/internal/apierrors"
	"github.com/flowkeep/engine/internal/node"
)

// Client talks to a remote flowkeepd running the "server" profile, for
// symmetry with the config profile selector (spec §6's "client" profile:
// URL + token).
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a Client. baseURL's trailing slash, if any, is trimmed.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var svcErr apierrors.ServiceError
		if err := json.NewDecoder(resp.Body).Decode(&svcErr); err == nil && svcErr.Code != "" {
			svcErr.HTTPStatus = resp.StatusCode
			return &svcErr
		}
		return fmt.Errorf("flowkeepd: %s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// AddNodes submits a batch of nodes and returns their assigned ids.
func (c *Client) AddNodes(ctx context.Context, nodes []*node.Node) ([]string, error) {
	stored := make([]node.StoredNode, len(nodes))
	for i, n := range nodes {
		stored[i] = node.InlineStoredNode(n)
	}
	var resp struct {
		QueueID string   `json:"queue_id"`
		IDs     []string `json:"ids"`
	}
	if err := c.do(ctx, http.MethodPost, "/add-nodes", stored, &resp); err != nil {
		return nil, err
	}
	return resp.IDs, nil
}

// Kill requests termination of the given ids.
func (c *Client) Kill(ctx context.Context, ids []string) error {
	return c.do(ctx, http.MethodPost, "/kill", ids, nil)
}

// GetTarget fetches a node's full state plus history.
func (c *Client) GetTarget(ctx context.Context, id string) (*node.Node, error) {
	var n node.Node
	if err := c.do(ctx, http.MethodGet, "/target/"+id, nil, &n); err != nil {
		return nil, err
	}
	return &n, nil
}
