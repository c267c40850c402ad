package tui

import (
	"context"
	"errors"
	"strings"

	"github.com/basket/steward/internal/approval"
	"github.com/basket/steward/internal/persistence"
)

// humanError turns a decision or load error into one short line for the
// status bar. Known queue outcomes get fixed wording; anything else shows the
// innermost message of the chain.
func humanError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, persistence.ErrStateConflict):
		return "State conflict: someone else already decided this task"
	case errors.Is(err, persistence.ErrNotFound), errors.Is(err, approval.ErrUnknownRef):
		return "Task no longer awaits approval"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Cancelled"
	}
	msg := err.Error()
	if idx := strings.LastIndex(msg, ": "); idx != -1 && idx+2 < len(msg) {
		msg = msg[idx+2:]
	}
	if msg == "" {
		return "Unknown error"
	}
	return strings.ToUpper(msg[:1]) + msg[1:]
}
