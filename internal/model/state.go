package model

import "fmt"

// PurchaseState is the lifecycle of a multi-batch purchase:
//
//	PLANNING → BATCHING → EXECUTING → {DONE | FAILED}
//
// There is no rolled-back state; settled batches are final.
type PurchaseState int

const (
	StatePlanning PurchaseState = iota
	StateBatching
	StateExecuting
	StateDone
	StateFailed
)

var purchaseStateNames = []string{"PLANNING", "BATCHING", "EXECUTING", "DONE", "FAILED"}

func (s PurchaseState) String() string {
	if s < 0 || int(s) >= len(purchaseStateNames) {
		return "UNKNOWN"
	}
	return purchaseStateNames[s]
}

// Terminal reports whether no further transitions can happen.
func (s PurchaseState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

func (s PurchaseState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *PurchaseState) UnmarshalText(text []byte) error {
	for i, name := range purchaseStateNames {
		if name == string(text) {
			*s = PurchaseState(i)
			return nil
		}
	}
	return fmt.Errorf("model: unknown purchase state %q", text)
}

// BatchStatus is the outcome of one batch.
type BatchStatus int

const (
	// BatchPending has not been attempted yet.
	BatchPending BatchStatus = iota
	// BatchSettled was confirmed by the ledger.
	BatchSettled
	// BatchReverted was mined but reverted; no effect beyond fees.
	BatchReverted
	// BatchRejected never reached the network (estimate or send refused).
	BatchRejected
	// BatchIndeterminate was submitted but its outcome could not be found.
	BatchIndeterminate
	// BatchCanceled was abandoned by the caller before submission.
	BatchCanceled
	// BatchSkipped was never attempted because an earlier batch failed.
	BatchSkipped
)

var batchStatusNames = []string{
	"PENDING", "SETTLED", "REVERTED", "REJECTED", "INDETERMINATE", "CANCELED", "SKIPPED",
}

func (s BatchStatus) String() string {
	if s < 0 || int(s) >= len(batchStatusNames) {
		return "UNKNOWN"
	}
	return batchStatusNames[s]
}

func (s BatchStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *BatchStatus) UnmarshalText(text []byte) error {
	for i, name := range batchStatusNames {
		if name == string(text) {
			*s = BatchStatus(i)
			return nil
		}
	}
	return fmt.Errorf("model: unknown batch status %q", text)
}
