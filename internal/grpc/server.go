package grpc

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/GriffinCanCode/capkernel/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/capkernel/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/capkernel/internal/kernel"
	"github.com/GriffinCanCode/capkernel/internal/kernel/abi"
	"github.com/GriffinCanCode/capkernel/internal/service"
)

// ServiceName is the full name of the kernel service.
const ServiceName = "capkernel.v1.Kernel"

// TickRequest asks for N timer interrupts.
type TickRequest struct {
	N int `json:"n"`
}

// IRQRequest asserts one interrupt line.
type IRQRequest struct {
	IRQ abi.Word `json:"irq"`
}

// ScheduleReply names the thread running after an interrupt.
type ScheduleReply struct {
	Current string `json:"current"`
}

// StateRequest asks for the kernel state.
type StateRequest struct{}

// SnapshotRequest asks for a stored snapshot.
type SnapshotRequest struct {
	Reason string `json:"reason"`
}

// SnapshotReply is where a snapshot was stored.
type SnapshotReply struct {
	Path string `json:"path"`
}

// KernelServer is the server API of the kernel service.
type KernelServer interface {
	Syscall(context.Context, *service.SyscallRequest) (*service.Reply, error)
	Tick(context.Context, *TickRequest) (*ScheduleReply, error)
	RaiseIRQ(context.Context, *IRQRequest) (*ScheduleReply, error)
	State(context.Context, *StateRequest) (*kernel.State, error)
	Snapshot(context.Context, *SnapshotRequest) (*SnapshotReply, error)
}

// KernelServiceDesc describes the kernel service to grpc.
var KernelServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*KernelServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Syscall", KernelServer.Syscall),
		unary("Tick", KernelServer.Tick),
		unary("RaiseIRQ", KernelServer.RaiseIRQ),
		unary("State", KernelServer.State),
		unary("Snapshot", KernelServer.Snapshot),
	},
	Metadata: "capkernel/v1/kernel",
}

// RegisterKernelServer registers srv on s.
func RegisterKernelServer(s grpc.ServiceRegistrar, srv KernelServer) {
	s.RegisterService(&KernelServiceDesc, srv)
}

// unary builds the method handler generated stubs would contain.
func unary[Req, Resp any](name string, call func(KernelServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	full := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(KernelServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(KernelServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Server serves one kernel host.
type Server struct {
	host    *service.Host
	metrics *monitoring.Metrics
	log     *zap.Logger
	health  *health.Server
	grpc    *grpc.Server
}

var _ KernelServer = (*Server)(nil)

// NewServer creates a gRPC server for host with the kernel and health
// services registered. metrics and tracer may be nil.
func NewServer(host *service.Host, metrics *monitoring.Metrics, tracer *tracing.Tracer, log *zap.Logger, opts ...grpc.ServerOption) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if tracer == nil {
		tracer = tracing.New("capkernel-grpc", log)
	}
	s := &Server{
		host:    host,
		metrics: metrics,
		log:     log,
		health:  health.NewServer(),
	}
	base := []grpc.ServerOption{
		grpc.ForceServerCodec(codec{}),
		grpc.ChainUnaryInterceptor(tracing.UnaryServerInterceptor(tracer), s.observe),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             30 * time.Second,
			PermitWithoutStream: false,
		}),
		grpc.MaxRecvMsgSize(10 * 1024 * 1024),
	}
	s.grpc = grpc.NewServer(append(base, opts...)...)
	RegisterKernelServer(s.grpc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("Starting gRPC server", zap.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// Stop marks the service down and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func (s *Server) Syscall(ctx context.Context, req *service.SyscallRequest) (*service.Reply, error) {
	reply, err := s.host.Syscall(ctx, *req)
	if err != nil {
		return nil, toStatus(err)
	}
	return &reply, nil
}

func (s *Server) Tick(ctx context.Context, req *TickRequest) (*ScheduleReply, error) {
	if req.N < 1 {
		return nil, status.Error(codes.InvalidArgument, "n must be a positive count")
	}
	cur, err := s.host.Tick(ctx, req.N)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ScheduleReply{Current: cur}, nil
}

func (s *Server) RaiseIRQ(ctx context.Context, req *IRQRequest) (*ScheduleReply, error) {
	cur, err := s.host.RaiseIRQ(ctx, req.IRQ)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ScheduleReply{Current: cur}, nil
}

func (s *Server) State(ctx context.Context, _ *StateRequest) (*kernel.State, error) {
	st, err := s.host.State(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &st, nil
}

func (s *Server) Snapshot(ctx context.Context, req *SnapshotRequest) (*SnapshotReply, error) {
	reason := req.Reason
	if reason == "" {
		reason = "grpc"
	}
	path, err := s.host.Snapshot(ctx, reason)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SnapshotReply{Path: path}, nil
}

// observe records each call and takes the service out of rotation once
// the kernel halts.
func (s *Server) observe(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if s.metrics != nil {
		s.metrics.RecordServiceCall("grpc", info.FullMethod, status.Code(err).String(), time.Since(start))
	}
	if halt := s.host.Halted(); halt != nil {
		s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return resp, err
}

func toStatus(err error) error {
	var halt *kernel.HaltError
	code := codes.Internal
	switch {
	case errors.Is(err, service.ErrBadRequest):
		code = codes.InvalidArgument
	case errors.Is(err, service.ErrNoThread), errors.Is(err, kernel.ErrNoSuchThread):
		code = codes.NotFound
	case errors.Is(err, kernel.ErrNotRunnable), errors.Is(err, kernel.ErrNoCurrentThread):
		code = codes.FailedPrecondition
	case errors.Is(err, kernel.ErrHalted), errors.As(err, &halt):
		code = codes.Unavailable
	case errors.Is(err, service.ErrNoStore):
		code = codes.Unimplemented
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}
