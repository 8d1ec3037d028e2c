package agent

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/loomstack/loom/tool"
)

// InvokeFrom identifies the surface an agent invocation originated from.
// It is part of the task-ownership identity checked by Stop.
type InvokeFrom string

const (
	InvokeFromDebugger       InvokeFrom = "debugger"
	InvokeFromWebApp         InvokeFrom = "web_app"
	InvokeFromServiceAPI     InvokeFrom = "service_api"
	InvokeFromAssistantAgent InvokeFrom = "assistant_agent"
)

const (
	defaultMaxIterations = 5
	maxIterations        = 5
)

// ReviewInputs configures input moderation: when a forbidden keyword
// matches the query, the run short-circuits with the preset response.
type ReviewInputs struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	PresetResponse string `json:"preset_response" yaml:"preset_response"`
}

// ReviewOutputs configures output moderation: matched keywords in the
// final answer are masked.
type ReviewOutputs struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// ReviewConfig is the moderation rule set applied around a run.
type ReviewConfig struct {
	Keywords []string      `json:"keywords" yaml:"keywords"`
	Inputs   ReviewInputs  `json:"inputs_config" yaml:"inputs_config"`
	Outputs  ReviewOutputs `json:"outputs_config" yaml:"outputs_config"`
}

// matchKeyword returns the first configured keyword contained in text,
// case-insensitively.
func (rc *ReviewConfig) matchKeyword(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, kw := range rc.Keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return kw, true
		}
	}
	return "", false
}

// maskOutputs replaces every configured keyword in text with asterisks.
func (rc *ReviewConfig) maskOutputs(text string) string {
	for _, kw := range rc.Keywords {
		if kw == "" {
			continue
		}
		text = replaceFold(text, kw, strings.Repeat("*", len([]rune(kw))))
	}
	return text
}

// replaceFold is a case-insensitive strings.ReplaceAll. Matching folds rune
// by rune, so case pairs whose byte lengths differ still slice correctly.
func replaceFold(s, old, repl string) string {
	var b strings.Builder
	for {
		i, n := indexFold(s, old)
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		b.WriteString(repl)
		s = s[i+n:]
	}
}

// indexFold locates old in s ignoring case, returning the byte offset and
// byte length of the match in s, or (-1, 0).
func indexFold(s, old string) (int, int) {
	if old == "" {
		return -1, 0
	}
	for i := range s {
		if n := prefixFoldLen(s[i:], old); n >= 0 {
			return i, n
		}
	}
	return -1, 0
}

// prefixFoldLen returns the byte length of the prefix of s that matches old
// ignoring case, or -1 when s does not start with old.
func prefixFoldLen(s, old string) int {
	n := 0
	for _, or := range old {
		r, size := utf8.DecodeRuneInString(s[n:])
		if size == 0 || unicode.ToLower(r) != unicode.ToLower(or) {
			return -1
		}
		n += size
	}
	return n
}

// LongTermMemory carries a previously summarized memory of the
// conversation, spliced into the system prompt when enabled.
type LongTermMemory struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Summary string `json:"summary" yaml:"summary"`
}

// Config defines one agent invocation.
type Config struct {
	UserID        string         `json:"user_id"`
	InvokeFrom    InvokeFrom     `json:"invoke_from"`
	PresetPrompt  string         `json:"preset_prompt"`
	Memory        LongTermMemory `json:"long_term_memory"`
	Review        *ReviewConfig  `json:"review_config,omitempty"`
	Tools         []tool.Tool    `json:"-"`
	MaxIterations int            `json:"max_iteration_count"`
}

// iterations returns the configured iteration budget clamped to [1, 5],
// defaulting to 5.
func (c *Config) iterations() int {
	n := c.MaxIterations
	if n <= 0 {
		n = defaultMaxIterations
	}
	if n > maxIterations {
		n = maxIterations
	}
	return n
}
