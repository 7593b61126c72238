package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kgantsov/dslot/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	watchPollTimeout = 30 * time.Second
	watchRetryDelay  = 500 * time.Millisecond
)

type nodeResponse struct {
	Path string      `json:"path"`
	Data []byte      `json:"data"`
	Stat domain.Stat `json:"stat"`
}

type childrenResponse struct {
	Children []string    `json:"children"`
	Stat     domain.Stat `json:"stat"`
}

type guardRequest struct {
	Path    string `json:"path"`
	Data    []byte `json:"data,omitempty"`
	Version int32  `json:"version"`
}

type createRequest struct {
	Path      string        `json:"path"`
	Data      []byte        `json:"data,omitempty"`
	Ephemeral bool          `json:"ephemeral,omitempty"`
	Sequence  bool          `json:"sequence,omitempty"`
	SessionID uint64        `json:"session_id,omitempty"`
	Guard     *guardRequest `json:"guard,omitempty"`
}

func (c *Client) create(ctx context.Context, req createRequest, flags domain.CreateFlag) (string, error) {
	if err := c.check(); err != nil {
		return "", err
	}

	req.Ephemeral = flags.Ephemeral()
	req.Sequence = flags.Sequence()
	req.SessionID = c.sessionID

	var resp struct {
		Path string `json:"path"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/nodes", nil, req, &resp); err != nil {
		return "", err
	}
	return resp.Path, nil
}

func (c *Client) Create(ctx context.Context, path string, data []byte, flags domain.CreateFlag) (string, error) {
	return c.create(ctx, createRequest{Path: path, Data: data}, flags)
}

func (c *Client) CreateGuarded(
	ctx context.Context, guard domain.Guard, path string, data []byte, flags domain.CreateFlag,
) (string, error) {
	return c.create(ctx, createRequest{
		Path:  path,
		Data:  data,
		Guard: &guardRequest{Path: guard.Path, Data: guard.Data, Version: guard.Version},
	}, flags)
}

func (c *Client) Set(ctx context.Context, path string, data []byte, version int32) (*domain.Stat, error) {
	if err := c.check(); err != nil {
		return nil, err
	}

	req := map[string]any{"path": path, "data": data, "version": version}

	var resp struct {
		Stat domain.Stat `json:"stat"`
	}
	if err := c.do(ctx, http.MethodPut, "/api/v1/nodes", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp.Stat, nil
}

func (c *Client) Delete(ctx context.Context, path string, version int32) error {
	if err := c.check(); err != nil {
		return err
	}

	query := url.Values{}
	query.Set("path", path)
	query.Set("version", strconv.Itoa(int(version)))

	return c.do(ctx, http.MethodDelete, "/api/v1/nodes", query, nil, nil)
}

func (c *Client) get(ctx context.Context, path string) (*nodeResponse, error) {
	query := url.Values{}
	query.Set("path", path)

	resp := &nodeResponse{}
	if err := c.do(ctx, http.MethodGet, "/api/v1/nodes", query, nil, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Get(ctx context.Context, path string) ([]byte, *domain.Stat, error) {
	if err := c.check(); err != nil {
		return nil, nil, err
	}

	node, err := c.get(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	return node.Data, &node.Stat, nil
}

func (c *Client) children(ctx context.Context, path string) (*childrenResponse, error) {
	query := url.Values{}
	query.Set("path", path)

	resp := &childrenResponse{}
	if err := c.do(ctx, http.MethodGet, "/api/v1/children", query, nil, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Children(ctx context.Context, path string) ([]string, error) {
	if err := c.check(); err != nil {
		return nil, err
	}

	resp, err := c.children(ctx, path)
	if err != nil {
		return nil, err
	}
	return resp.Children, nil
}

// ExistsW reads whether path exists and leaves a watch that fires on the
// next create, delete or data change of the node.
func (c *Client) ExistsW(ctx context.Context, path string) (bool, <-chan domain.Event, error) {
	if err := c.check(); err != nil {
		return false, nil, err
	}

	query := url.Values{}
	query.Set("path", path)
	query.Set("kind", domain.WatchExists.String())

	node, err := c.get(ctx, path)
	switch {
	case errors.Is(err, domain.ErrNoNode):
		query.Set("exists", "false")
	case err != nil:
		return false, nil, err
	default:
		query.Set("exists", "true")
		query.Set("version", strconv.Itoa(int(node.Stat.Version)))
	}

	return err == nil, c.watch(query), nil
}

// ChildrenW lists the children of path and leaves a watch that fires when
// they change or the node is deleted.
func (c *Client) ChildrenW(ctx context.Context, path string) ([]string, <-chan domain.Event, error) {
	if err := c.check(); err != nil {
		return nil, nil, err
	}

	resp, err := c.children(ctx, path)
	if err != nil {
		return nil, nil, err
	}

	query := url.Values{}
	query.Set("path", path)
	query.Set("kind", domain.WatchChildren.String())
	query.Set("cversion", strconv.Itoa(int(resp.Stat.CVersion)))

	return resp.Children, c.watch(query), nil
}

// watch long-polls the cluster until the node differs from the state in
// query. The server compares the state itself, so changes made between the
// read and the first poll are not lost.
func (c *Client) watch(query url.Values) <-chan domain.Event {
	ch := make(chan domain.Event, 1)
	query.Set("timeout_ms", strconv.FormatInt(watchPollTimeout.Milliseconds(), 10))

	go func() {
		for {
			var resp struct {
				Event string `json:"event"`
				Path  string `json:"path"`
			}

			ctx, cancel := context.WithTimeout(c.ctx, watchPollTimeout+5*time.Second)
			err := c.do(ctx, http.MethodGet, "/api/v1/watch", query, nil, &resp)
			cancel()

			if c.ctx.Err() != nil {
				return
			}
			if err != nil {
				log.Debug().Msgf("Watch on %s failed: %v", query.Get("path"), err)

				select {
				case <-c.ctx.Done():
					return
				case <-time.After(watchRetryDelay):
				}
				continue
			}

			if ev := domain.ParseEventType(resp.Event); ev != domain.EventNone {
				ch <- domain.Event{Type: ev, Path: resp.Path}
				return
			}
		}
	}()

	return ch
}
