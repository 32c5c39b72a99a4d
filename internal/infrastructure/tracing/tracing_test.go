package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/GriffinCanCode/capkernel/internal/shared/id"
)

func newObserved() (*Tracer, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return New("capkernel", zap.New(core)), logs
}

func TestChildSpanSharesTrace(t *testing.T) {
	tr, logs := newObserved()

	parent, ctx := tr.StartSpan(context.Background(), "outer")
	child, _ := tr.StartSpan(ctx, "inner")
	assert.Equal(t, parent.TraceID, child.TraceID)
	assert.Equal(t, parent.SpanID, child.ParentID)

	tr.End(child, nil)
	tr.End(parent, errors.New("boom"))
	require.Equal(t, 2, logs.Len())
	assert.Equal(t, zapcore.WarnLevel, logs.All()[1].Level)
}

func TestHTTPMiddlewareContinuesTrace(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tr, logs := newObserved()
	r := gin.New()
	r.Use(HTTPMiddleware(tr))
	var seen id.TraceID
	r.GET("/x", func(c *gin.Context) {
		seen = TraceIDFrom(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(TraceHeader, "trace_remote")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, id.TraceID("trace_remote"), seen)
	assert.Equal(t, "trace_remote", w.Header().Get(TraceHeader))
	assert.NotEmpty(t, w.Header().Get(SpanHeader))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "GET /x", logs.All()[0].ContextMap()["operation"])
}

func TestUnaryInterceptorsPropagate(t *testing.T) {
	tr, _ := newObserved()
	client := UnaryClientInterceptor(tr)
	server := UnaryServerInterceptor(tr)

	parent, ctx := tr.StartSpan(context.Background(), "caller")
	var got id.TraceID
	err := client(ctx, "/capkernel.v1.Kernel/Tick", nil, nil, nil,
		func(ctx context.Context, method string, req, reply any, _ *grpc.ClientConn, _ ...grpc.CallOption) error {
			md, _ := metadata.FromOutgoingContext(ctx)
			in := metadata.NewIncomingContext(context.Background(), md)
			_, err := server(in, req, &grpc.UnaryServerInfo{FullMethod: method},
				func(ctx context.Context, _ any) (any, error) {
					got = TraceIDFrom(ctx)
					return nil, nil
				})
			return err
		})
	require.NoError(t, err)
	assert.Equal(t, parent.TraceID, got)
}
