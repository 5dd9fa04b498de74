/**
 * @description
 * Split validation for investment orders. A split assigns fixed-point percentages of a
 * single charge to payment receivers; the percentages must sum to exactly 100.
 *
 * @dependencies
 * - github.com/shopspring/decimal: exact fixed-point arithmetic for percentages.
 */

package split

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/transfa/settlement-service/internal/domain"
)

// ErrInvalidSplit is matched by every split validation failure.
var ErrInvalidSplit = errors.New("invalid split allocation")

var (
	hundred         = decimal.NewFromInt(100)
	receiverPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]{0,127}$`)
)

// InvalidSplitError describes why a split was rejected.
type InvalidSplitError struct {
	Index  int // -1 when the failure concerns the whole list
	Reason string
}

func (e *InvalidSplitError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("invalid split: %s", e.Reason)
	}
	return fmt.Sprintf("invalid split at allocation %d: %s", e.Index, e.Reason)
}

func (e *InvalidSplitError) Is(target error) bool {
	return target == ErrInvalidSplit
}

// Rules bound what a split may contain. They are passed explicitly to keep the
// validator free of process-wide state.
type Rules struct {
	MaxReceivers int
	MaxScale     int32
}

func DefaultRules() Rules {
	return Rules{MaxReceivers: 10, MaxScale: 4}
}

// Validate checks allocations against DefaultRules.
func Validate(allocations []domain.SplitAllocation) error {
	return DefaultRules().Validate(allocations)
}

// Validate rejects empty lists, malformed or duplicate receivers, non-positive or
// over-precise percentages, and any set whose percentages do not sum to exactly 100.
func (r Rules) Validate(allocations []domain.SplitAllocation) error {
	if len(allocations) == 0 {
		return &InvalidSplitError{Index: -1, Reason: "at least one allocation is required"}
	}
	if r.MaxReceivers > 0 && len(allocations) > r.MaxReceivers {
		return &InvalidSplitError{Index: -1, Reason: fmt.Sprintf("at most %d receivers are allowed", r.MaxReceivers)}
	}

	seen := make(map[string]struct{}, len(allocations))
	total := decimal.Zero
	for i, allocation := range allocations {
		receiver := strings.TrimSpace(allocation.ReceiverID)
		if receiver == "" {
			return &InvalidSplitError{Index: i, Reason: "receiver id is required"}
		}
		if !receiverPattern.MatchString(receiver) {
			return &InvalidSplitError{Index: i, Reason: "receiver id is malformed"}
		}
		if _, dup := seen[receiver]; dup {
			return &InvalidSplitError{Index: i, Reason: fmt.Sprintf("duplicate receiver %q", receiver)}
		}
		seen[receiver] = struct{}{}

		if !allocation.Percentage.IsPositive() {
			return &InvalidSplitError{Index: i, Reason: "percentage must be positive"}
		}
		if r.MaxScale >= 0 && !allocation.Percentage.Equal(allocation.Percentage.Truncate(r.MaxScale)) {
			return &InvalidSplitError{Index: i, Reason: fmt.Sprintf("percentage allows at most %d decimal places", r.MaxScale)}
		}
		total = total.Add(allocation.Percentage)
	}

	if !total.Equal(hundred) {
		return &InvalidSplitError{Index: -1, Reason: fmt.Sprintf("percentages sum to %s, expected 100", total.String())}
	}
	return nil
}

// Normalize trims receiver ids. Callers validate first.
func Normalize(allocations []domain.SplitAllocation) []domain.SplitAllocation {
	out := make([]domain.SplitAllocation, len(allocations))
	for i, allocation := range allocations {
		out[i] = domain.SplitAllocation{
			ReceiverID: strings.TrimSpace(allocation.ReceiverID),
			Percentage: allocation.Percentage,
		}
	}
	return out
}

// Share is the minor-unit amount owed to one receiver.
type Share struct {
	ReceiverID string
	Percentage decimal.Decimal
	Amount     int64
}

// Shares divides amount by the allocations using floor rounding. The rounding
// remainder is assigned to the first allocation so the shares always add up to amount.
func Shares(amount int64, allocations []domain.SplitAllocation) []Share {
	shares := make([]Share, len(allocations))
	var assigned int64
	total := decimal.NewFromInt(amount)
	for i, allocation := range allocations {
		part := total.Mul(allocation.Percentage).Shift(-2).Floor().IntPart()
		shares[i] = Share{ReceiverID: allocation.ReceiverID, Percentage: allocation.Percentage, Amount: part}
		assigned += part
	}
	if len(shares) > 0 {
		shares[0].Amount += amount - assigned
	}
	return shares
}
