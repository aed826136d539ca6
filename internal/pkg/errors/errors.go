package errors

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalid      = errors.New("invalid")
	ErrConflict     = errors.New("conflict")
	ErrTooMany      = errors.New("too many requests")
	ErrInternal     = errors.New("internal")

	ErrUnsupportedContentType     = errors.New("unsupported content type")
	ErrCorruptContent             = errors.New("corrupt content")
	ErrInvalidChunkConfig         = errors.New("invalid chunk config")
	ErrFileTooLarge               = errors.New("file too large")
	ErrEmbeddingService           = errors.New("embedding service error")
	ErrEmbeddingDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrInconsistentFragments      = errors.New("inconsistent fragments")
)

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsInputError reports failures that will not succeed on retry.
func IsInputError(err error) bool {
	return errors.Is(err, ErrUnsupportedContentType) ||
		errors.Is(err, ErrCorruptContent) ||
		errors.Is(err, ErrInvalidChunkConfig) ||
		errors.Is(err, ErrFileTooLarge)
}

func IsConsistencyError(err error) bool {
	return errors.Is(err, ErrEmbeddingDimensionMismatch) || errors.Is(err, ErrInconsistentFragments)
}
