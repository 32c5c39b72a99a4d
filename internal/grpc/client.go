package grpc

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/GriffinCanCode/capkernel/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/capkernel/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/capkernel/internal/kernel"
	"github.com/GriffinCanCode/capkernel/internal/service"
)

// Client calls a remote kernel service through a circuit breaker.
type Client struct {
	conn    *grpc.ClientConn
	addr    string
	timeout time.Duration
	breaker *resilience.Breaker
}

// NewClient creates a client for addr. Each call gets timeout unless its
// context expires sooner. tracer may be nil; extra options are appended.
func NewClient(addr string, timeout time.Duration, tracer *tracing.Tracer, extra ...grpc.DialOption) (*Client, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                60 * time.Second,
			Timeout:             20 * time.Second,
			PermitWithoutStream: false,
		}),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(codec{}),
			grpc.MaxCallRecvMsgSize(10*1024*1024),
			grpc.MaxCallSendMsgSize(10*1024*1024),
		),
	}
	if tracer != nil {
		opts = append(opts, grpc.WithChainUnaryInterceptor(tracing.UnaryClientInterceptor(tracer)))
	}
	conn, err := grpc.NewClient(addr, append(opts, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial kernel: %w", err)
	}

	breaker := resilience.New("kernel-"+addr, resilience.Settings{
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 5 ||
				(counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) > 0.5)
		},
		IsFailure: transient,
	})
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{conn: conn, addr: addr, timeout: timeout, breaker: breaker}, nil
}

// transient reports whether err says the server, rather than the request,
// is at fault.
func transient(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal, codes.Unknown:
		return true
	}
	return false
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// BreakerState reports the state of the client's circuit breaker.
func (c *Client) BreakerState() resilience.State { return c.breaker.State() }

func (c *Client) invoke(ctx context.Context, method string, req, reply any) error {
	return c.breaker.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, reply)
	})
}

// Syscall performs req on the remote kernel.
func (c *Client) Syscall(ctx context.Context, req service.SyscallRequest) (service.Reply, error) {
	var reply service.Reply
	err := c.invoke(ctx, "Syscall", &req, &reply)
	return reply, err
}

// Tick delivers n timer interrupts and returns the thread running after.
func (c *Client) Tick(ctx context.Context, n int) (string, error) {
	var reply ScheduleReply
	err := c.invoke(ctx, "Tick", &TickRequest{N: n}, &reply)
	return reply.Current, err
}

// RaiseIRQ asserts an interrupt line and returns the thread running after.
func (c *Client) RaiseIRQ(ctx context.Context, irq uint64) (string, error) {
	var reply ScheduleReply
	err := c.invoke(ctx, "RaiseIRQ", &IRQRequest{IRQ: irq}, &reply)
	return reply.Current, err
}

// State fetches the remote kernel state.
func (c *Client) State(ctx context.Context) (kernel.State, error) {
	var s kernel.State
	err := c.invoke(ctx, "State", &StateRequest{}, &s)
	return s, err
}

// Snapshot asks the remote kernel to store a snapshot.
func (c *Client) Snapshot(ctx context.Context, reason string) (string, error) {
	var reply SnapshotReply
	err := c.invoke(ctx, "Snapshot", &SnapshotRequest{Reason: reason}, &reply)
	return reply.Path, err
}

// Health asks the standard health service about the kernel service.
func (c *Client) Health(ctx context.Context) (healthpb.HealthCheckResponse_ServingStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.Status, nil
}
