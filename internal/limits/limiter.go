// Package limits implements per-buyer holding limits that account for the
// correlation between options of the same project.
//
// The options of a project are mutually exclusive outcomes of one wager, so a
// buyer spreading units across every option of a project carries a single
// correlated exposure. The limiter caps units per option and the aggregate
// across all options of a project.
package limits

import (
	"errors"
	"math"

	"github.com/easybet/market-engine/internal/model"
)

var (
	// ErrPerOptionLimitExceeded is returned when a purchase would push the
	// buyer's units in one option beyond the per-option maximum.
	ErrPerOptionLimitExceeded = errors.New("limits: per-option unit limit exceeded")

	// ErrPerProjectLimitExceeded is returned when a purchase would push the
	// buyer's units across all options of a project beyond the project
	// maximum.
	ErrPerProjectLimitExceeded = errors.New("limits: per-project unit limit exceeded")
)

// Key identifies one option bucket of a project.
type Key struct {
	ProjectID uint64
	Option    uint32
}

// PositionLimiter enforces holding limits. A zero maximum disables that
// check.
type PositionLimiter struct {
	MaxPerOption  uint64
	MaxPerProject uint64
}

// NewPositionLimiter creates a limiter with the given per-option and
// per-project unit limits.
func NewPositionLimiter(maxPerOption, maxPerProject uint64) *PositionLimiter {
	return &PositionLimiter{MaxPerOption: maxPerOption, MaxPerProject: maxPerProject}
}

// Enabled reports whether any limit is set.
func (l *PositionLimiter) Enabled() bool {
	return l != nil && (l.MaxPerOption > 0 || l.MaxPerProject > 0)
}

// CheckLimit validates whether buying quantity more units of target keeps
// the buyer within limits, given the units already held.
func (l *PositionLimiter) CheckLimit(target Key, quantity uint64, holdings map[Key]uint64) error {
	if !l.Enabled() {
		return nil
	}

	if l.MaxPerOption > 0 && addSat(holdings[target], quantity) > l.MaxPerOption {
		return ErrPerOptionLimitExceeded
	}

	if l.MaxPerProject > 0 {
		total := quantity
		for k, held := range holdings {
			if k.ProjectID == target.ProjectID {
				total = addSat(total, held)
			}
		}
		if total > l.MaxPerProject {
			return ErrPerProjectLimitExceeded
		}
	}
	return nil
}

// Holdings sums ledger-confirmed units per option bucket. Only settled
// quantity counts; planned but unsettled units were never acquired.
func Holdings(purchases []model.Purchase) map[Key]uint64 {
	out := make(map[Key]uint64)
	for _, p := range purchases {
		if p.SettledQuantity == 0 {
			continue
		}
		k := Key{ProjectID: p.ProjectID, Option: p.Option}
		out[k] = addSat(out[k], p.SettledQuantity)
	}
	return out
}

func addSat(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}
