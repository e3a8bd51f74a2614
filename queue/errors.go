package queue

import (
	"fmt"

	"github.com/brainkernel/brain/brainerr"
)

func errUnregisteredType(jobType string) error {
	return brainerr.New(brainerr.Handler, fmt.Sprintf("no handler registered for job type %q", jobType), map[string]any{"jobType": jobType})
}

func errHandlerPanic(jobType string) error {
	return brainerr.New(brainerr.Handler, fmt.Sprintf("handler for job type %q panicked", jobType), map[string]any{"jobType": jobType})
}
