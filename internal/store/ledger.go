package store

import (
	"bytes"
	"fmt"
	"log"
	"sort"

	"github.com/coopbank/ledger-service/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// checkBalanceInvariant verifies that a post-mutation balance equals the locked
// pre-mutation balance plus the net posting delta, and is not negative.
func checkBalanceInvariant(accountID uuid.UUID, before, delta, after decimal.Decimal) error {
	expected := before.Add(delta)
	if !after.Equal(expected) {
		log.Printf("level=error component=ledger msg=\"balance delta mismatch\" account_id=%s before=%s delta=%s expected=%s actual=%s",
			accountID, before, delta, expected, after)
		return fmt.Errorf("%w: account %s expected balance %s, got %s", domain.ErrInvariantViolation, accountID, expected, after)
	}
	if after.IsNegative() {
		log.Printf("level=error component=ledger msg=\"negative balance after posting\" account_id=%s balance=%s", accountID, after)
		return fmt.Errorf("%w: account %s balance would become %s", domain.ErrInvariantViolation, accountID, after)
	}
	return nil
}

// classifyDirection places a transaction relative to a set of accounts. An empty set
// classifies from the transaction's own legs.
func classifyDirection(tx *domain.Transaction, set map[uuid.UUID]struct{}) (domain.Direction, bool) {
	var src, dst bool
	if len(set) == 0 {
		src, dst = tx.SourceAccountID != nil, tx.DestinationAccountID != nil
	} else {
		src, dst = legsIn(tx, set)
	}
	switch {
	case src && dst:
		return domain.DirectionInternal, true
	case src:
		return domain.DirectionOut, true
	case dst:
		return domain.DirectionIn, true
	default:
		return "", false
	}
}

func sortAggregates(out []domain.TransactionAggregate) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		if out[i].Status != out[j].Status {
			return out[i].Status < out[j].Status
		}
		return out[i].Direction < out[j].Direction
	})
}

func sortUUIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
}
