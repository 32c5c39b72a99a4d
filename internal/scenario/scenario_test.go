package scenario

import (
	"context"
	"os"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRunner(t *testing.T) *Runner {
	return NewRunner(os.DirFS("testdata"), zaptest.NewLogger(t))
}

func TestPingPongScenario(t *testing.T) {
	res := newTestRunner(t).Run(context.Background(), "pingpong.yaml")
	require.NoError(t, res.Err)
	assert.Empty(t, res.Failures)
	assert.Equal(t, "ping-pong", res.Name)
	assert.Equal(t, 5, res.Steps)
}

func TestInlineBootScenario(t *testing.T) {
	res := newTestRunner(t).Run(context.Background(), "nested/retype.yaml")
	require.NoError(t, res.Err)
	assert.Empty(t, res.Failures)
}

func TestFailedExpectationIsReported(t *testing.T) {
	res := newTestRunner(t).Run(context.Background(), "failing.yaml")
	require.NoError(t, res.Err)
	require.Len(t, res.Failures, 1)
	assert.Contains(t, res.Failures[0], `console is "h", want "x"`)
	assert.False(t, res.Passed())
}

func TestScriptScenario(t *testing.T) {
	res := newTestRunner(t).Run(context.Background(), "timer.js")
	require.NoError(t, res.Err)
	assert.Empty(t, res.Failures)
}

func TestDiscoverSkipsManifests(t *testing.T) {
	names, err := newTestRunner(t).Discover("")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"failing.yaml", "pingpong.yaml", "timer.js", "nested/retype.yaml"}, names)

	_, err = newTestRunner(t).Discover("[")
	assert.ErrorIs(t, err, ErrBadScenario)
}

func TestRunAll(t *testing.T) {
	results, err := newTestRunner(t).RunAll(context.Background(), "", 3)
	require.NoError(t, err)
	require.Len(t, results, 4)
	failed := 0
	for _, r := range results {
		if !r.Passed() {
			failed++
			assert.Equal(t, "wrong-expectation", r.Name)
		}
	}
	assert.Equal(t, 1, failed)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name, src string
	}{
		{"two actions", "steps:\n  - syscall: Yield\n    tick: 1\n"},
		{"no action", "steps:\n  - thread: a\n"},
		{"unknown syscall", "steps:\n  - syscall: Fork\n"},
		{"unknown label", "steps:\n  - invoke: TCBFork\n"},
		{"unknown field", "stepz: []\n"},
		{"two boots", "manifest: m.yaml\nboot: {}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.src))
			assert.ErrorIs(t, err, ErrBadScenario)
		})
	}
}

func TestScriptErrors(t *testing.T) {
	fsys := fstest.MapFS{
		"throws.js":  {Data: []byte(`kernel.syscall("nobody", "Yield");`)},
		"reboot.js":  {Data: []byte(`kernel.boot(); kernel.boot();`)},
		"asserts.js": {Data: []byte(`assert(false, "first"); equal([1, 2], [1, 3], "second");`)},
		"halts.js":   {Data: []byte(`kernel.syscall("rootserver", "DebugHalt");`)},
	}
	r := NewRunner(fsys, zaptest.NewLogger(t))
	ctx := context.Background()

	res := r.RunScript(ctx, "throws.js")
	assert.ErrorContains(t, res.Err, `no thread named "nobody"`)

	res = r.RunScript(ctx, "reboot.js")
	assert.ErrorContains(t, res.Err, "already booted")

	res = r.RunScript(ctx, "asserts.js")
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"assert: first", "equal: second: got [1,2], want [1,3]"}, res.Failures)

	res = r.RunScript(ctx, "halts.js")
	assert.ErrorContains(t, res.Err, "halt")
}

func TestScriptHonoursCancellation(t *testing.T) {
	fsys := fstest.MapFS{"spin.js": {Data: []byte(`for (;;) {}`)}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := NewRunner(fsys, zaptest.NewLogger(t)).RunScript(ctx, "spin.js")
	assert.Error(t, res.Err)
}

func TestStepErrorStopsScenario(t *testing.T) {
	fsys := fstest.MapFS{"blocked.yaml": {Data: []byte(`
boot:
  objects: [{type: Endpoint, slot: 30, count: 1}]
  threads: [{name: a, tcb: 40, buffer: 41}]
steps:
  - {thread: a, syscall: Recv, cap: 30}
  - {thread: a, syscall: Yield}
  - {syscall: Yield}
`)}}
	res := NewRunner(fsys, zaptest.NewLogger(t)).RunFile(context.Background(), "blocked.yaml")
	assert.ErrorContains(t, res.Err, "step 1")
	assert.ErrorContains(t, res.Err, "not runnable")
	assert.Equal(t, 2, res.Steps)
}
