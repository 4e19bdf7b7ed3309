package outbox

import "encoding/json"

// envelopeOverhead is the serialized size of the {"events":[]} wrapper the
// ingestion request adds around a batch.
const envelopeOverhead = len(`{"events":[]}`)

// batchSize returns the serialized size of a batch of n events whose event
// payloads sum to sumBytes: envelope plus the commas between events.
func batchSize(sumBytes, n int) int {
	if n == 0 {
		return envelopeOverhead
	}
	return envelopeOverhead + sumBytes + (n - 1)
}

// partition greedily splits queued events into ordered batches that each
// serialize to at most maxBytes and hold at most maxEvents items. Events are
// never reordered. An event too large to share a batch ends up alone in one,
// so the server can reject it individually rather than poisoning neighbors.
func partition(events []QueuedEvent, maxBytes, maxEvents int) [][]QueuedEvent {
	var (
		batches  [][]QueuedEvent
		current  []QueuedEvent
		sumBytes int
	)

	for _, qe := range events {
		encoded, err := json.Marshal(qe.Event)
		if err != nil {
			// Composed events always marshal; a corrupt row still gets its
			// own batch so the dead-letter path can deal with it.
			encoded = nil
		}
		size := len(encoded)

		fitsBytes := batchSize(sumBytes+size, len(current)+1) <= maxBytes
		fitsCount := len(current)+1 <= maxEvents
		if len(current) > 0 && (!fitsBytes || !fitsCount) {
			batches = append(batches, current)
			current = nil
			sumBytes = 0
		}

		current = append(current, qe)
		sumBytes += size
	}

	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}
