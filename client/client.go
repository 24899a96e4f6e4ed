package client

import (
	"context"
	"errors"
	"sync"

	"github.com/hacklido/labroom/internal/controlclient"
	"github.com/hacklido/labroom/internal/endpoint"
)

// Client is the public Go client for the labroom control-plane API.
type Client struct {
	inner *controlclient.Client

	mu          sync.Mutex
	labByKey    map[string]string
	ensureLocks map[string]*ensureKeyLock
}

type ensureKeyLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a client for the provided endpoint.
//
// Supported endpoint formats match the CLI:
// - unix:///path/to/labroom.sock
// - absolute unix socket path
// - http://host:port
//
// If host is empty, LABROOM_HOST is used, then the default unix socket path.
func New(host string) (*Client, error) {
	ep, err := endpoint.Resolve(host)
	if err != nil {
		return nil, err
	}
	inner, err := controlclient.New(ep)
	if err != nil {
		return nil, err
	}
	return &Client{
		inner:       inner,
		labByKey:    map[string]string{},
		ensureLocks: map[string]*ensureKeyLock{},
	}, nil
}

var errNilClient = errors.New("nil client")

func (c *Client) StartLab(ctx context.Context, req *StartLabRequest) (*StartLabResponse, error) {
	if c == nil || c.inner == nil {
		return nil, errNilClient
	}
	return c.inner.StartLab(ctx, req)
}

func (c *Client) GetLab(ctx context.Context, req *GetLabRequest) (*GetLabResponse, error) {
	if c == nil || c.inner == nil {
		return nil, errNilClient
	}
	return c.inner.GetLab(ctx, req)
}

func (c *Client) ListLabs(ctx context.Context, req *ListLabsRequest) (*ListLabsResponse, error) {
	if c == nil || c.inner == nil {
		return nil, errNilClient
	}
	return c.inner.ListLabs(ctx, req)
}

func (c *Client) ExecuteCommand(ctx context.Context, req *ExecuteCommandRequest) (*ExecuteCommandResponse, error) {
	if c == nil || c.inner == nil {
		return nil, errNilClient
	}
	return c.inner.ExecuteCommand(ctx, req)
}

func (c *Client) StopLab(ctx context.Context, req *StopLabRequest) (*StopLabResponse, error) {
	if c == nil || c.inner == nil {
		return nil, errNilClient
	}
	return c.inner.StopLab(ctx, req)
}

func (c *Client) SubmitFlag(ctx context.Context, req *SubmitFlagRequest) (*SubmitFlagResponse, error) {
	if c == nil || c.inner == nil {
		return nil, errNilClient
	}
	return c.inner.SubmitFlag(ctx, req)
}

func (c *Client) ListProgress(ctx context.Context, req *ListProgressRequest) (*ListProgressResponse, error) {
	if c == nil || c.inner == nil {
		return nil, errNilClient
	}
	return c.inner.ListProgress(ctx, req)
}

func (c *Client) GetStats(ctx context.Context, req *GetStatsRequest) (*GetStatsResponse, error) {
	if c == nil || c.inner == nil {
		return nil, errNilClient
	}
	return c.inner.GetStats(ctx, req)
}

// Healthy reports whether the server answers its health probe.
func (c *Client) Healthy(ctx context.Context) bool {
	if c == nil || c.inner == nil {
		return false
	}
	return c.inner.Healthy(ctx)
}
