package agentloop

import (
	"errors"
	"fmt"
)

// ErrTaskNotFound is returned when a task id cannot be resolved to a
// persisted HistoryItem.
var ErrTaskNotFound = errors.New("task not found")

// ErrInvalidMode is returned for an unknown mode slug.
var ErrInvalidMode = errors.New("invalid mode")

// ErrLoopRunning is returned when a task's loop is started twice.
var ErrLoopRunning = errors.New("task loop already running")

// AbortedTaskError is returned when a task that has been aborted is asked
// to process another turn. The caller must discard the task.
type AbortedTaskError struct {
	TaskID     string
	InstanceID string
}

func (e *AbortedTaskError) Error() string {
	return fmt.Sprintf("task %s.%s aborted", e.TaskID, e.InstanceID)
}

// IsAborted reports whether err is an AbortedTaskError.
func IsAborted(err error) bool {
	var ae *AbortedTaskError
	return errors.As(err, &ae)
}

// ToolDeniedError is returned by a tool whose operation the user rejected.
type ToolDeniedError struct {
	Feedback string
	Images   []string
}

func (e *ToolDeniedError) Error() string {
	if e.Feedback != "" {
		return "denied by user: " + e.Feedback
	}
	return "denied by user"
}

// MissingParamError is returned when a required tool parameter is absent.
type MissingParamError struct {
	Tool  string
	Param string
}

func (e *MissingParamError) Error() string {
	return fmt.Sprintf("%s: missing required parameter %q", e.Tool, e.Param)
}
