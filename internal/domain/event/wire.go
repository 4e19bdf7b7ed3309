package event

// ══════════════════════════════════════════════════════════════════════════════
// INGESTION WIRE CONTRACT
// ══════════════════════════════════════════════════════════════════════════════

// Batch limits enforced server-side. Clients must batch conservatively below
// these ceilings; oversized payloads are rejected outright, never partially
// processed.
const (
	// MaxBatchEvents is the maximum number of events per ingestion request.
	MaxBatchEvents = 200

	// MaxBatchBytes is the maximum serialized size of an ingestion request.
	MaxBatchBytes = 64 * 1024
)

// IngestRequest is the body of POST /v1/events.
type IngestRequest struct {
	Events []LearningEvent `json:"events"`
}

// IngestResponse is the success body of POST /v1/events.
type IngestResponse struct {
	// Stored is the number of events newly persisted.
	Stored int `json:"stored"`

	// Duplicates is the number of events collapsed by idempotency key.
	Duplicates int `json:"duplicates"`
}

// ErrorClass partitions ingestion failures into the classes the delivery
// pipeline is designed against. Clients must only assume retryable vs not.
type ErrorClass string

const (
	ClassRateLimited     ErrorClass = "rate_limited"
	ClassPayloadTooLarge ErrorClass = "payload_too_large"
	ClassInvalidPayload  ErrorClass = "invalid_payload"
	ClassUnexpected      ErrorClass = "unexpected"
)

// Retryable reports whether a failure of this class may succeed on a later
// identical retry.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassRateLimited, ClassUnexpected:
		return true
	default:
		return false
	}
}

// ErrorResponse is the error body returned by the ingestion endpoint.
type ErrorResponse struct {
	Error ErrorClass `json:"error"`

	// Message is an optional human-readable detail.
	Message string `json:"message,omitempty"`
}

// CompletionResponse is the body of GET /v1/completions.
type CompletionResponse struct {
	Completed bool `json:"completed"`
}
