// Package conversation defines the conversation memory data model
package conversation

import "errors"

var (
	// ErrContextNotFound indicates an operation on an unknown context or session
	ErrContextNotFound = errors.New("conversation: context not found")

	// ErrContextExists indicates a session already owns a context
	ErrContextExists = errors.New("conversation: context already exists for session")

	// ErrEmptyMergeInput indicates a merge was requested over zero contexts
	ErrEmptyMergeInput = errors.New("conversation: no contexts to merge")

	// ErrTurnNotFound indicates a relevance entry references a turn that is not in the context
	ErrTurnNotFound = errors.New("conversation: turn not found")
)
