// Package ctl is the HTTP client behind the capkernel ctl command.
package ctl

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/GriffinCanCode/capkernel/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/capkernel/internal/kernel"
	"github.com/GriffinCanCode/capkernel/internal/service"
)

// APIError is a non-2xx answer from the kernel API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kernel api: %d: %s", e.Status, e.Message)
}

// Config tunes the client.
type Config struct {
	BaseURL      string
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// DefaultConfig talks to a local server.
func DefaultConfig() Config {
	return Config{
		BaseURL:      "http://localhost:8000",
		Timeout:      10 * time.Second,
		RetryMax:     3,
		RetryWaitMin: 200 * time.Millisecond,
		RetryWaitMax: 2 * time.Second,
	}
}

// Client drives a kernel over its HTTP API.
type Client struct {
	resty   *resty.Client
	breaker *resilience.Breaker
}

// New creates a client. Requests are retried when the connection fails or
// the server rate limits them, since neither reached the kernel.
func New(cfg Config) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.RetryMax
	retryClient.RetryWaitMin = cfg.RetryWaitMin
	retryClient.RetryWaitMax = cfg.RetryWaitMax
	retryClient.Logger = nil
	retryClient.CheckRetry = checkRetry
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	r := resty.NewWithClient(retryClient.StandardClient()).
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", "capkernel-ctl/1.0").
		SetHeader("Accept", "application/json")

	breaker := resilience.New("ctl-"+cfg.BaseURL, resilience.Settings{
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsFailure: func(err error) bool {
			var api *APIError
			return !errors.As(err, &api) || api.Status >= http.StatusInternalServerError
		},
	})
	return &Client{resty: r, breaker: breaker}
}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	return resp.StatusCode == http.StatusTooManyRequests, nil
}

// errorBody is how the API reports failures.
type errorBody struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	return c.breaker.Do(ctx, func(ctx context.Context) error {
		var fail errorBody
		req := c.resty.R().SetContext(ctx).SetError(&fail)
		if out != nil {
			req.SetResult(out)
		}
		if body != nil {
			req.SetBody(body)
		}
		resp, err := req.Execute(method, path)
		if err != nil {
			return err
		}
		if resp.IsError() {
			msg := fail.Error
			if msg == "" {
				msg = resp.Status()
			}
			return &APIError{Status: resp.StatusCode(), Message: msg}
		}
		return nil
	})
}

// State fetches the kernel state.
func (c *Client) State(ctx context.Context) (kernel.State, error) {
	var s kernel.State
	err := c.do(ctx, http.MethodGet, "/kernel/state", nil, &s)
	return s, err
}

// Thread fetches one thread by name or address.
func (c *Client) Thread(ctx context.Context, ref string) (kernel.ThreadInfo, error) {
	var info kernel.ThreadInfo
	err := c.do(ctx, http.MethodGet, "/kernel/threads/"+ref, nil, &info)
	return info, err
}

// Syscall performs req as the thread named in it.
func (c *Client) Syscall(ctx context.Context, req service.SyscallRequest) (service.Reply, error) {
	thread := req.Thread
	if thread == "" {
		thread = service.RootAlias
	}
	var out struct {
		Reply service.Reply `json:"reply"`
	}
	err := c.do(ctx, http.MethodPost, "/kernel/threads/"+thread+"/syscall", req, &out)
	return out.Reply, err
}

// Tick delivers n timer interrupts.
func (c *Client) Tick(ctx context.Context, n int) (string, error) {
	var out struct {
		Current string `json:"current"`
	}
	err := c.do(ctx, http.MethodPost, "/kernel/tick?n="+strconv.Itoa(n), nil, &out)
	return out.Current, err
}

// RaiseIRQ asserts an interrupt line.
func (c *Client) RaiseIRQ(ctx context.Context, irq uint64) (string, error) {
	var out struct {
		Current string `json:"current"`
	}
	err := c.do(ctx, http.MethodPost, "/kernel/irq/"+strconv.FormatUint(irq, 10), nil, &out)
	return out.Current, err
}

// Snapshot asks the server to store a snapshot.
func (c *Client) Snapshot(ctx context.Context, reason string) (string, error) {
	var out struct {
		Path string `json:"path"`
	}
	err := c.do(ctx, http.MethodPost, "/kernel/snapshots", map[string]string{"reason": reason}, &out)
	return out.Path, err
}

// BreakerState reports the client's circuit breaker state.
func (c *Client) BreakerState() resilience.State { return c.breaker.State() }
