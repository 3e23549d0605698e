package errors

// ErrorCategory classifies errors by their retry semantics.
type ErrorCategory string

const (
	// CategoryTransient indicates the operation may succeed on a later attempt.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates retrying will not help.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryInternal indicates a bug or corrupted state.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

const (
	// Transient errors
	ErrCodeStorage    ErrorCode = "STORAGE"    // Backend read/write failed
	ErrCodeConflict   ErrorCode = "CONFLICT"   // Compare-and-swap retries exhausted
	ErrCodeTimeout    ErrorCode = "TIMEOUT"    // Operation timed out
	ErrCodeProcessing ErrorCode = "PROCESSING" // Process function reported failure

	// Permanent errors
	ErrCodeConfiguration ErrorCode = "CONFIGURATION" // Invalid or missing configuration
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"     // Key does not exist
	ErrCodeClosed        ErrorCode = "CLOSED"        // Store or coordinator closed
	ErrCodeCanceled      ErrorCode = "CANCELED"      // Operation was canceled

	// Internal errors
	ErrCodeInternal   ErrorCode = "INTERNAL"   // Unexpected internal error
	ErrCodeCorruption ErrorCode = "CORRUPTION" // Stored value could not be decoded
	ErrCodePanic      ErrorCode = "PANIC"      // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeStorage, ErrCodeConflict, ErrCodeTimeout, ErrCodeProcessing:
		return CategoryTransient
	case ErrCodeConfiguration, ErrCodeNotFound, ErrCodeClosed, ErrCodeCanceled:
		return CategoryPermanent
	default:
		return CategoryInternal
	}
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeStorage:       "storage operation failed",
	ErrCodeConflict:      "concurrent update conflict",
	ErrCodeTimeout:       "operation timed out",
	ErrCodeProcessing:    "batch processing failed",
	ErrCodeConfiguration: "invalid configuration",
	ErrCodeNotFound:      "key not found",
	ErrCodeClosed:        "closed",
	ErrCodeCanceled:      "operation canceled",
	ErrCodeInternal:      "internal error",
	ErrCodeCorruption:    "stored value corrupted",
	ErrCodePanic:         "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
