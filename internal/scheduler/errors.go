package scheduler

import "fmt"

// Stable rejection codes surfaced to callers.
const (
	CodeQueueFull  = "queue_full"
	CodeQueueStale = "queue_stale"
	CodeSuperseded = "superseded"
	CodeInvalidJob = "invalid_job"
)

// Error is a scheduler rejection. RetryAfterMs is set for queue_full.
type Error struct {
	Code         string
	Message      string
	RetryAfterMs int64
}

func (e *Error) Error() string {
	if e.RetryAfterMs > 0 {
		return fmt.Sprintf("%s (%s, retry after %dms)", e.Message, e.Code, e.RetryAfterMs)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// IsCode reports whether err is a scheduler rejection with the given code.
func IsCode(err error, code string) bool {
	se, ok := err.(*Error)
	return ok && se.Code == code
}
