package session

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrSessionNotFound    = errors.New("upload session not found")
	ErrInvalidPath        = errors.New("invalid target path")
	ErrInvalidPart        = errors.New("invalid part")
	ErrPartTooLarge       = errors.New("part exceeds the session part size")
	ErrIncompleteUpload   = errors.New("upload is incomplete")
	ErrFinalizeInProgress = errors.New("upload is already being finalized")
)

// IncompleteUploadError lists what finalize found missing.
type IncompleteUploadError struct {
	Missing  []int
	Expected int
	Received int
}

func (e *IncompleteUploadError) Error() string {
	missing := make([]string, 0, len(e.Missing))
	for i, n := range e.Missing {
		if i == 10 {
			missing = append(missing, fmt.Sprintf("... (%d more)", len(e.Missing)-10))
			break
		}
		missing = append(missing, strconv.Itoa(n))
	}
	return fmt.Sprintf("%s: received %d of %d parts, missing [%s]", ErrIncompleteUpload, e.Received, e.Expected, strings.Join(missing, ", "))
}

func (e *IncompleteUploadError) Unwrap() error {
	return ErrIncompleteUpload
}
