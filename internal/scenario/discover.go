package scenario

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"
)

// DefaultPattern matches every scenario under the runner's file system.
const DefaultPattern = "**/*.{yaml,yml,js}"

// Discover lists the scenarios matching pattern, skipping boot manifests
// kept next to them under a manifests/ directory.
func (r *Runner) Discover(pattern string) ([]string, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("%w: bad pattern %q", ErrBadScenario, pattern)
	}
	matches, err := doublestar.Glob(r.FS, pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, err
	}
	out := matches[:0]
	for _, m := range matches {
		if !strings.Contains("/"+m, "/manifests/") {
			out = append(out, m)
		}
	}
	return out, nil
}

// Run runs one scenario, choosing the runner by extension.
func (r *Runner) Run(ctx context.Context, name string) Result {
	if path.Ext(name) == ".js" {
		return r.RunScript(ctx, name)
	}
	return r.RunFile(ctx, name)
}

// RunAll runs every scenario matching pattern, up to parallel at a time,
// and returns results in discovery order. Each scenario gets its own
// kernel.
func (r *Runner) RunAll(ctx context.Context, pattern string, parallel int) ([]Result, error) {
	names, err := r.Discover(pattern)
	if err != nil {
		return nil, err
	}
	if parallel < 1 {
		parallel = 1
	}
	results := make([]Result, len(names))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			results[i] = r.Run(ctx, name)
			return nil
		})
	}
	return results, g.Wait()
}
