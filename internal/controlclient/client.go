package controlclient

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"strings"

	"connectrpc.com/connect"
	"github.com/hacklido/labroom/internal/controlapi"
	"github.com/hacklido/labroom/internal/endpoint"
	"golang.org/x/net/http2"
)

type Client struct {
	httpClient *http.Client
	baseURL    string

	startLab       *connect.Client[controlapi.StartLabRequest, controlapi.StartLabResponse]
	getLab         *connect.Client[controlapi.GetLabRequest, controlapi.GetLabResponse]
	listLabs       *connect.Client[controlapi.ListLabsRequest, controlapi.ListLabsResponse]
	executeCommand *connect.Client[controlapi.ExecuteCommandRequest, controlapi.ExecuteCommandResponse]
	stopLab        *connect.Client[controlapi.StopLabRequest, controlapi.StopLabResponse]
	submitFlag     *connect.Client[controlapi.SubmitFlagRequest, controlapi.SubmitFlagResponse]
	listProgress   *connect.Client[controlapi.ListProgressRequest, controlapi.ListProgressResponse]
	getStats       *connect.Client[controlapi.GetStatsRequest, controlapi.GetStatsResponse]
}

func New(ep endpoint.Endpoint) (*Client, error) {
	baseURL := strings.TrimRight(ep.BaseURL, "/")
	httpClient := &http.Client{Transport: buildTransport(ep, baseURL)}
	opts := []connect.ClientOption{connect.WithCodec(controlapi.Codec{})}

	return &Client{
		httpClient:     httpClient,
		baseURL:        baseURL,
		startLab:       connect.NewClient[controlapi.StartLabRequest, controlapi.StartLabResponse](httpClient, baseURL+controlapi.StartLabProcedure, opts...),
		getLab:         connect.NewClient[controlapi.GetLabRequest, controlapi.GetLabResponse](httpClient, baseURL+controlapi.GetLabProcedure, opts...),
		listLabs:       connect.NewClient[controlapi.ListLabsRequest, controlapi.ListLabsResponse](httpClient, baseURL+controlapi.ListLabsProcedure, opts...),
		executeCommand: connect.NewClient[controlapi.ExecuteCommandRequest, controlapi.ExecuteCommandResponse](httpClient, baseURL+controlapi.ExecuteCommandProcedure, opts...),
		stopLab:        connect.NewClient[controlapi.StopLabRequest, controlapi.StopLabResponse](httpClient, baseURL+controlapi.StopLabProcedure, opts...),
		submitFlag:     connect.NewClient[controlapi.SubmitFlagRequest, controlapi.SubmitFlagResponse](httpClient, baseURL+controlapi.SubmitFlagProcedure, opts...),
		listProgress:   connect.NewClient[controlapi.ListProgressRequest, controlapi.ListProgressResponse](httpClient, baseURL+controlapi.ListProgressProcedure, opts...),
		getStats:       connect.NewClient[controlapi.GetStatsRequest, controlapi.GetStatsResponse](httpClient, baseURL+controlapi.GetStatsProcedure, opts...),
	}, nil
}

func buildTransport(ep endpoint.Endpoint, baseURL string) http.RoundTripper {
	dialer := &net.Dialer{}

	if ep.Scheme == "unix" {
		return &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, _, _ string, _ *tls.Config) (net.Conn, error) {
				return dialer.DialContext(ctx, "unix", ep.Address)
			},
		}
	}

	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" {
		return &http.Transport{}
	}
	host := parsed.Host
	return &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, _, _ string, _ *tls.Config) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", host)
		},
	}
}

func (c *Client) StartLab(ctx context.Context, req *controlapi.StartLabRequest) (*controlapi.StartLabResponse, error) {
	resp, err := c.startLab.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) GetLab(ctx context.Context, req *controlapi.GetLabRequest) (*controlapi.GetLabResponse, error) {
	resp, err := c.getLab.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) ListLabs(ctx context.Context, req *controlapi.ListLabsRequest) (*controlapi.ListLabsResponse, error) {
	resp, err := c.listLabs.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) ExecuteCommand(ctx context.Context, req *controlapi.ExecuteCommandRequest) (*controlapi.ExecuteCommandResponse, error) {
	resp, err := c.executeCommand.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) StopLab(ctx context.Context, req *controlapi.StopLabRequest) (*controlapi.StopLabResponse, error) {
	resp, err := c.stopLab.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) SubmitFlag(ctx context.Context, req *controlapi.SubmitFlagRequest) (*controlapi.SubmitFlagResponse, error) {
	resp, err := c.submitFlag.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) ListProgress(ctx context.Context, req *controlapi.ListProgressRequest) (*controlapi.ListProgressResponse, error) {
	resp, err := c.listProgress.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func (c *Client) GetStats(ctx context.Context, req *controlapi.GetStatsRequest) (*controlapi.GetStatsResponse, error) {
	resp, err := c.getStats.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

// Healthy reports whether the server answers its health probe.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
