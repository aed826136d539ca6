package embedding

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/xxxsen/docqa/internal/ai"
	appErr "github.com/xxxsen/docqa/internal/pkg/errors"
)

// ServiceError reports a sub-batch that could not be embedded. Start and End
// form the half-open range of input indexes that were lost.
type ServiceError struct {
	Start    int
	End      int
	Attempts int
	Err      error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("embed texts [%d, %d) failed after %d attempt(s): %v", e.Start, e.End, e.Attempts, e.Err)
}

func (e *ServiceError) Is(target error) bool {
	return target == appErr.ErrEmbeddingService
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// DimensionError reports a vector of the wrong length, or a response whose
// vector count differs from the request when Index is -1.
type DimensionError struct {
	Index int
	Want  int
	Got   int
}

func (e *DimensionError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("embedding count mismatch: want %d vectors, got %d", e.Want, e.Got)
	}
	return fmt.Sprintf("embedding %d has %d dimensions, want %d", e.Index, e.Got, e.Want)
}

func (e *DimensionError) Is(target error) bool {
	return target == appErr.ErrEmbeddingDimensionMismatch
}

var errCallTimeout = errors.New("embedding call timed out")

var transientPatterns = []string{
	"429",
	"500",
	"502",
	"503",
	"504",
	"rate limit",
	"resource_exhausted",
	"resource exhausted",
	"unavailable",
	"deadline exceeded",
	"timeout",
	"connection reset",
	"connection refused",
	"unexpected eof",
}

func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errCallTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, ai.ErrUnavailable) {
		return false
	}
	var statusErr *ai.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == 429 || statusErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
