// Package id generates the identifiers used around the kernel: kernel
// instances, API requests, trace spans and console sessions.
//
// Every identifier is a prefixed ULID, so identifiers sort by creation time
// and the prefix tells the reader what kind of thing a log line is about.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// InstanceID identifies one booted kernel.
type InstanceID string

// RequestID identifies an API request.
type RequestID string

// SessionID identifies a console session.
type SessionID string

// TraceID identifies a trace.
type TraceID string

// SpanID identifies one span of a trace.
type SpanID string

const (
	InstancePrefix = "kern"
	RequestPrefix  = "req"
	SessionPrefix  = "con"
	TracePrefix    = "trace"
	SpanPrefix     = "span"
)

// Generator generates ULIDs from a single entropy source.
type Generator struct {
	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the process-wide generator.
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator returns a generator backed by crypto/rand with monotonic
// ordering inside a millisecond.
func NewGenerator() *Generator {
	return NewGeneratorWithEntropy(ulid.Monotonic(rand.Reader, 0))
}

// NewGeneratorWithEntropy returns a generator reading from entropy.
// Tests pass a seeded reader for reproducible identifiers.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy, now: time.Now}
}

// Generate returns a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(g.now()), g.entropy)
}

// WithPrefix returns prefix_ULID.
func (g *Generator) WithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate())
}

func NewInstanceID() InstanceID { return InstanceID(Default().WithPrefix(InstancePrefix)) }
func NewRequestID() RequestID   { return RequestID(Default().WithPrefix(RequestPrefix)) }
func NewSessionID() SessionID   { return SessionID(Default().WithPrefix(SessionPrefix)) }
func NewTraceID() TraceID       { return TraceID(Default().WithPrefix(TracePrefix)) }
func NewSpanID() SpanID         { return SpanID(Default().WithPrefix(SpanPrefix)) }

func (i InstanceID) String() string { return string(i) }
func (i RequestID) String() string  { return string(i) }
func (i SessionID) String() string  { return string(i) }
func (i TraceID) String() string    { return string(i) }
func (i SpanID) String() string     { return string(i) }

// Split separates a prefixed identifier into its prefix and ULID.
func Split(s string) (string, ulid.ULID, error) {
	prefix, raw, ok := strings.Cut(s, "_")
	if !ok {
		return "", ulid.ULID{}, fmt.Errorf("id %q has no prefix", s)
	}
	u, err := ulid.Parse(raw)
	if err != nil {
		return "", ulid.ULID{}, fmt.Errorf("id %q: %w", s, err)
	}
	return prefix, u, nil
}

// Timestamp returns when a prefixed identifier was generated.
func Timestamp(s string) (time.Time, error) {
	_, u, err := Split(s)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()), nil
}
