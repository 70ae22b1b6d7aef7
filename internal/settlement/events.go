package settlement

import "github.com/easybet/market-engine/internal/model"

// Event types published while a purchase executes.
const (
	EventState          = "purchase.state"
	EventBatch          = "purchase.batch"
	EventPurchaseDone   = "purchase.done"
	EventPurchaseFailed = "purchase.failed"
)

// Event is a point-in-time copy of a purchase, plus the batch result that
// triggered it for EventBatch.
type Event struct {
	Type     string             `json:"type"`
	Purchase model.Purchase     `json:"purchase"`
	Batch    *model.BatchResult `json:"batch,omitempty"`
}

// EventSink receives execution progress. Publish must not block.
type EventSink interface {
	Publish(Event)
}

type nopSink struct{}

func (nopSink) Publish(Event) {}
