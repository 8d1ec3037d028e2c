package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskOutputsFoldsCase(t *testing.T) {
	rc := &ReviewConfig{Keywords: []string{"secret"}}
	assert.Equal(t, "the ****** plan", rc.maskOutputs("the SeCrEt plan"))
	assert.Equal(t, "****** and ******", rc.maskOutputs("SECRET and secret"))
}

func TestMaskOutputsWidthChangingFold(t *testing.T) {
	// 'İ' lowercases to a byte sequence of a different length; folding must
	// slice the original text by matched bytes, not lowered-copy offsets.
	rc := &ReviewConfig{Keywords: []string{"istanbul"}}
	assert.Equal(t, "visit ******** today", rc.maskOutputs("visit İstanbul today"))
}

func TestReplaceFoldNoMatchReturnsInput(t *testing.T) {
	assert.Equal(t, "hello world", replaceFold("hello world", "absent", "*"))
	assert.Equal(t, "unchanged", replaceFold("unchanged", "", "*"))
}

func TestIterationsClamped(t *testing.T) {
	assert.Equal(t, 5, (&Config{}).iterations())
	assert.Equal(t, 2, (&Config{MaxIterations: 2}).iterations())
	assert.Equal(t, 5, (&Config{MaxIterations: 50}).iterations())
}
