package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestResolveLiteralCoercion(t *testing.T) {
	r := NewResolver(zap.NewNop())
	st := NewState(nil)

	vars := []Variable{
		{Name: "s", Type: TypeString, Value: Value{Kind: ValueLiteral, Content: 42}},
		{Name: "n", Type: TypeInt, Value: Value{Kind: ValueLiteral, Content: "7"}},
		{Name: "f", Type: TypeFloat, Value: Value{Kind: ValueLiteral, Content: "3.5"}},
		{Name: "b", Type: TypeBool, Value: Value{Kind: ValueLiteral, Content: "true"}},
		{Name: "l", Type: TypeListInt, Value: Value{Kind: ValueLiteral, Content: []any{1.0, "2", 3}}},
		{Name: "z", Type: TypeString, Value: Value{Kind: ValueLiteral, Content: nil}},
	}
	out, err := r.Resolve(vars, st)
	require.NoError(t, err)
	assert.Equal(t, "42", out["s"])
	assert.Equal(t, 7, out["n"])
	assert.Equal(t, 3.5, out["f"])
	assert.Equal(t, true, out["b"])
	assert.Equal(t, []int{1, 2, 3}, out["l"])
	assert.Equal(t, "", out["z"])
}

func TestResolveLiteralCoercionFailure(t *testing.T) {
	r := NewResolver(zap.NewNop())
	st := NewState(nil)

	_, err := r.Resolve([]Variable{
		{Name: "n", Type: TypeInt, Value: Value{Kind: ValueLiteral, Content: "not-a-number"}},
	}, st)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `variable "n"`)
}

func TestResolveReference(t *testing.T) {
	r := NewResolver(zap.NewNop())
	st := NewState(nil)
	st.apply(resultUpdate(NodeResult{
		NodeID:  "up",
		Status:  StatusSucceeded,
		Outputs: map[string]any{"output": "hello"},
	}))

	vars := []Variable{
		{Name: "v", Type: TypeString, Value: Value{Kind: ValueRef, RefNodeID: "up", RefVarName: "output"}},
	}
	out, err := r.Resolve(vars, st)
	require.NoError(t, err)
	assert.Equal(t, "hello", out["v"])
}

func TestResolveUnresolvedRefFallsBackToZeroValue(t *testing.T) {
	r := NewResolver(zap.NewNop())
	st := NewState(nil)

	out, err := r.Resolve([]Variable{
		{Name: "v", Type: TypeString, Value: Value{Kind: ValueRef, RefNodeID: "ghost", RefVarName: "output"}},
		{Name: "l", Type: TypeListString, Value: Value{Kind: ValueRef, RefNodeID: "ghost", RefVarName: "items"}},
	}, st)
	require.NoError(t, err)
	assert.Equal(t, "", out["v"])
	assert.Equal(t, []string{}, out["l"])
}

func TestResolveLatestResultWins(t *testing.T) {
	r := NewResolver(zap.NewNop())
	st := NewState(nil)
	st.apply(resultUpdate(NodeResult{NodeID: "up", Outputs: map[string]any{"output": "first"}}))
	st.apply(resultUpdate(NodeResult{NodeID: "up", Outputs: map[string]any{"output": "second"}}))

	out, err := r.Resolve([]Variable{
		{Name: "v", Type: TypeString, Value: Value{Kind: ValueRef, RefNodeID: "up", RefVarName: "output"}},
	}, st)
	require.NoError(t, err)
	assert.Equal(t, "second", out["v"])
}

func TestResolveIsIdempotent(t *testing.T) {
	r := NewResolver(zap.NewNop())
	st := NewState(nil)
	st.apply(resultUpdate(NodeResult{NodeID: "up", Outputs: map[string]any{"n": 5}}))

	vars := []Variable{
		{Name: "a", Type: TypeInt, Value: Value{Kind: ValueRef, RefNodeID: "up", RefVarName: "n"}},
		{Name: "b", Type: TypeString, Value: Value{Kind: ValueLiteral, Content: "x"}},
	}
	first, err := r.Resolve(vars, st)
	require.NoError(t, err)
	second, err := r.Resolve(vars, st)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestResolveRejectsUnknownKind(t *testing.T) {
	r := NewResolver(zap.NewNop())
	_, err := r.Resolve([]Variable{
		{Name: "v", Type: TypeString, Value: Value{Kind: "mystery"}},
	}, NewState(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown value kind")
}
