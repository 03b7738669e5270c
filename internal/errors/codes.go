package errors

// ErrorCode represents a machine-readable error code.
type ErrorCode string

// Input errors
const (
	// ErrCodeInvalidAudioFormat indicates audio with the wrong sample rate or channel count.
	ErrCodeInvalidAudioFormat ErrorCode = "INVALID_AUDIO_FORMAT"
	// ErrCodeInvalidInput indicates the input is invalid.
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	// ErrCodeNotFound indicates the requested resource was not found.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
)

// Startup errors
const (
	// ErrCodeConfigLoad indicates a model, tokenizer or service config could not be loaded.
	ErrCodeConfigLoad ErrorCode = "CONFIG_LOAD_ERROR"
	// ErrCodeWeightLoad indicates model weights are missing or do not match the config.
	ErrCodeWeightLoad ErrorCode = "WEIGHT_LOAD_ERROR"
)

// Inference errors
const (
	// ErrCodeDecoding indicates the decoder produced a malformed distribution.
	ErrCodeDecoding ErrorCode = "DECODING_ERROR"
	// ErrCodeUnknownTokenID indicates a token id outside the loaded vocabulary.
	ErrCodeUnknownTokenID ErrorCode = "UNKNOWN_TOKEN_ID"
	// ErrCodeCancelled indicates the caller cancelled the transcription.
	ErrCodeCancelled ErrorCode = "CANCELLED"
	// ErrCodeInternal indicates an internal error.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// Every failure in the pipeline is either a configuration defect or a
// model mismatch, so nothing is retryable.
var retryableCodes = map[ErrorCode]bool{
	ErrCodeCancelled: false,
	ErrCodeInternal:  false,
}

// IsRetryableCode returns true if the error code indicates a retryable error.
func IsRetryableCode(code ErrorCode) bool {
	return retryableCodes[code]
}
