package middleware

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORSConfig is the gin-contrib/cors configuration.
type CORSConfig = cors.Config

// DefaultCORSConfig lets any origin read kernel state and issue syscalls.
// Browsers may read the request and trace identifiers off responses.
func DefaultCORSConfig() CORSConfig {
	cfg := cors.DefaultConfig()
	cfg.AllowOrigins = []string{"*"}
	cfg.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	cfg.AddAllowHeaders("Accept", "Cache-Control", RequestIDHeader, "X-Trace-ID", "X-Span-ID")
	cfg.AddExposeHeaders(RequestIDHeader, "X-Trace-ID")
	return cfg
}

// CORS applies cfg.
func CORS(cfg CORSConfig) gin.HandlerFunc {
	return cors.New(cfg)
}
