package tracing

import (
	"context"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/GriffinCanCode/capkernel/internal/shared/id"
)

// HTTPMiddleware opens a span per request and echoes its identifiers in
// the response headers.
func HTTPMiddleware(tracer *Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := WithRemote(c.Request.Context(),
			id.TraceID(c.GetHeader(TraceHeader)), id.SpanID(c.GetHeader(SpanHeader)))

		span, ctx := tracer.StartSpan(ctx, c.Request.Method+" "+c.FullPath())
		c.Request = c.Request.WithContext(ctx)
		c.Header(TraceHeader, span.TraceID.String())
		c.Header(SpanHeader, span.SpanID.String())

		c.Next()

		span.SetTag("http.status", strconv.Itoa(c.Writer.Status()))
		var err error
		if last := c.Errors.Last(); last != nil {
			err = last
		}
		tracer.End(span, err)
	}
}

// UnaryServerInterceptor opens a span per RPC, continuing the caller's
// trace when its metadata carries one.
func UnaryServerInterceptor(tracer *Tracer) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			ctx = WithRemote(ctx, id.TraceID(first(md, TraceHeader)), id.SpanID(first(md, SpanHeader)))
		}
		span, ctx := tracer.StartSpan(ctx, info.FullMethod)
		span.SetTag("rpc.system", "grpc")
		resp, err := handler(ctx, req)
		tracer.End(span, err)
		return resp, err
	}
}

// UnaryClientInterceptor propagates the caller's trace to the server.
func UnaryClientInterceptor(tracer *Tracer) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		span, ctx := tracer.StartSpan(ctx, method)
		span.SetTag("span.kind", "client")
		ctx = metadata.AppendToOutgoingContext(ctx,
			strings.ToLower(TraceHeader), span.TraceID.String(),
			strings.ToLower(SpanHeader), span.SpanID.String())
		err := invoker(ctx, method, req, reply, cc, opts...)
		tracer.End(span, err)
		return err
	}
}

func first(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}
