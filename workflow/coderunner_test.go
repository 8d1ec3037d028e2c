package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCodeRunnerValidateGating(t *testing.T) {
	r := NewCodeRunner(time.Second, zap.NewNop())

	cases := []struct {
		name   string
		source string
		want   error
	}{
		{
			name:   "two top-level functions",
			source: "function main(params) { return {}; }\nfunction helper() {}",
			want:   ErrNotSingleFunction,
		},
		{
			name:   "top-level statement beside the function",
			source: "var x = 1;\nfunction main(params) { return {}; }",
			want:   ErrNotSingleFunction,
		},
		{
			name:   "top-level expression only",
			source: "1 + 1;",
			want:   ErrNotSingleFunction,
		},
		{
			name:   "wrong function name",
			source: "function run(params) { return {}; }",
			want:   ErrNotMainFunction,
		},
		{
			name:   "no parameters",
			source: "function main() { return {}; }",
			want:   ErrBadParams,
		},
		{
			name:   "two parameters",
			source: "function main(params, extra) { return {}; }",
			want:   ErrBadParams,
		},
		{
			name:   "wrong parameter name",
			source: "function main(input) { return {}; }",
			want:   ErrBadParams,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := r.Validate(tc.source)
			require.ErrorIs(t, err, tc.want)

			// Gating failures must also block Run before anything executes.
			_, err = r.Run(tc.source, nil)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestCodeRunnerValidateAcceptsCanonicalShape(t *testing.T) {
	r := NewCodeRunner(time.Second, zap.NewNop())
	require.NoError(t, r.Validate("function main(params) { return {ok: true}; }"))
}

func TestCodeRunnerRunReturnsDict(t *testing.T) {
	r := NewCodeRunner(time.Second, zap.NewNop())

	out, err := r.Run(
		"function main(params) { return {sum: params.a + params.b, tag: 'done'}; }",
		map[string]any{"a": 2, "b": 3},
	)
	require.NoError(t, err)
	assert.EqualValues(t, 5, out["sum"])
	assert.Equal(t, "done", out["tag"])
}

func TestCodeRunnerRejectsNonDictReturn(t *testing.T) {
	r := NewCodeRunner(time.Second, zap.NewNop())

	_, err := r.Run("function main(params) { return 42; }", nil)
	require.ErrorIs(t, err, ErrNotDict)

	_, err = r.Run("function main(params) { return [1, 2]; }", nil)
	require.ErrorIs(t, err, ErrNotDict)
}

func TestCodeRunnerInterruptsRunawayScript(t *testing.T) {
	r := NewCodeRunner(50*time.Millisecond, zap.NewNop())

	start := time.Now()
	_, err := r.Run("function main(params) { while (true) {} }", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run code")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCodeRunnerThrowSurfacesAsError(t *testing.T) {
	r := NewCodeRunner(time.Second, zap.NewNop())

	_, err := r.Run("function main(params) { throw new Error('boom'); }", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}
