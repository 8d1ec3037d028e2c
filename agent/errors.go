package agent

import "errors"

var (
	// ErrNotTaskOwner is returned by Stop when the caller's identity does
	// not match the cached owner tag of the task.
	ErrNotTaskOwner = errors.New("caller does not own this task")

	// ErrUnevenHistory is returned when a conversation history does not
	// alternate human/assistant turns (odd length).
	ErrUnevenHistory = errors.New("conversation history must be an even-length human/assistant alternation")

	// ErrProviderNotSet is returned by NewRunner when no model provider
	// was supplied.
	ErrProviderNotSet = errors.New("llm provider is not set")
)
