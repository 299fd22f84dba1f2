/**
 * @description
 * Fee and limit policy for ledger operations. Everything here is pure: callers pass
 * in the amounts (including today's completed transfer total) and get back a fee,
 * an initial status or a typed error.
 *
 * @dependencies
 * - github.com/shopspring/decimal: Exact decimal arithmetic for money.
 */

package policy

import (
	"fmt"
	"time"

	"github.com/coopbank/ledger-service/internal/domain"
	"github.com/shopspring/decimal"
)

// FeeFunc computes the fee for a transaction type and face amount.
type FeeFunc func(txType domain.TransactionType, amount decimal.Decimal) decimal.Decimal

// Policy holds the configurable rates and ceilings.
type Policy struct {
	// Rates are fractions, e.g. 0.015 for 1.5%.
	TransferFeeRate   decimal.Decimal
	DepositFeeRate    decimal.Decimal
	WithdrawalFeeRate decimal.Decimal
	// FeeScale is the number of decimal places fees are rounded to.
	FeeScale           int32
	HighValueThreshold decimal.Decimal
	DailyTransferLimit decimal.Decimal
	Location           *time.Location
	// Fee overrides the rate table when set.
	Fee FeeFunc
}

// Default returns the observed production values: 1.5% deposit fee, no transfer or
// withdrawal fee, approval above 500,000 and a 2,000,000 daily ceiling.
func Default() Policy {
	return Policy{
		TransferFeeRate:    decimal.Zero,
		DepositFeeRate:     decimal.RequireFromString("0.015"),
		WithdrawalFeeRate:  decimal.Zero,
		FeeScale:           0,
		HighValueThreshold: decimal.NewFromInt(500000),
		DailyTransferLimit: decimal.NewFromInt(2000000),
		Location:           time.UTC,
	}
}

// ValidateAmount rejects zero and negative amounts.
func (p Policy) ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return domain.ErrInvalidAmount
	}
	return nil
}

// ComputeFee returns the fee borne by the paying side on top of amount.
func (p Policy) ComputeFee(txType domain.TransactionType, amount decimal.Decimal) decimal.Decimal {
	if p.Fee != nil {
		fee := p.Fee(txType, amount)
		if fee.IsNegative() {
			return decimal.Zero
		}
		return fee
	}

	var rate decimal.Decimal
	switch txType {
	case domain.TransactionTypeTransfer:
		rate = p.TransferFeeRate
	case domain.TransactionTypeDeposit:
		rate = p.DepositFeeRate
	case domain.TransactionTypeWithdrawal:
		rate = p.WithdrawalFeeRate
	}
	if !rate.IsPositive() {
		return decimal.Zero
	}
	return amount.Mul(rate).Round(p.FeeScale)
}

// CheckDailyLimit fails when spent + amount exceeds the daily ceiling. A zero or
// negative ceiling disables the check.
func (p Policy) CheckDailyLimit(amount, spentToday decimal.Decimal) error {
	if !p.DailyTransferLimit.IsPositive() {
		return nil
	}
	if spentToday.Add(amount).GreaterThan(p.DailyTransferLimit) {
		return fmt.Errorf("%w: %s already spent today, ceiling %s", domain.ErrLimitExceeded, spentToday.String(), p.DailyTransferLimit.String())
	}
	return nil
}

// RequiresApproval applies the high-value gate to the face amount, excluding fees.
func (p Policy) RequiresApproval(amount decimal.Decimal) bool {
	if !p.HighValueThreshold.IsPositive() {
		return false
	}
	return amount.GreaterThan(p.HighValueThreshold)
}

// InitialStatus is the only branch point at creation.
func (p Policy) InitialStatus(amount decimal.Decimal) domain.TransactionStatus {
	if p.RequiresApproval(amount) {
		return domain.StatusPendingApproval
	}
	return domain.StatusPending
}

// StartOfDay returns midnight of now's calendar day in the ledger time zone.
func (p Policy) StartOfDay(now time.Time) time.Time {
	loc := p.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}
