package upload

import (
	"errors"
	"fmt"

	"github.com/tonimelisma/panupload/internal/source"
)

// Error categories. Every failure returned by a Driver is a
// *TransferFailedError whose chain contains exactly one of these.
var (
	// ErrSourceUnavailable is the source package's sentinel, so either
	// name matches with errors.Is.
	ErrSourceUnavailable     = source.ErrSourceUnavailable
	ErrHashComputationFailed = errors.New("upload: hash computation failed")
	ErrNegotiationRejected   = errors.New("upload: negotiation rejected")
	ErrCredentialBatchFailed = errors.New("upload: credential batch failed")
	ErrPartTransferFailed    = errors.New("upload: part transfer failed")
	ErrCompletionFailed      = errors.New("upload: completion failed")
)

// TransferFailedError reports which step (and, for part uploads and
// credential batches, which part) aborted an upload. No step is retried; the
// caller may restart the whole upload.
type TransferFailedError struct {
	Step Step
	Part int // 1-based; 0 when the failure is not tied to a part
	Err  error
}

func (e *TransferFailedError) Error() string {
	if e.Part > 0 {
		return fmt.Sprintf("upload failed while %s (part %d): %v", e.Step, e.Part, e.Err)
	}

	return fmt.Sprintf("upload failed while %s: %v", e.Step, e.Err)
}

func (e *TransferFailedError) Unwrap() error {
	return e.Err
}

// categorize wraps cause with category unless the chain already has it.
func categorize(category, cause error) error {
	if errors.Is(cause, category) {
		return cause
	}

	return fmt.Errorf("%w: %w", category, cause)
}
