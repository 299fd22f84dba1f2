package domain

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AccountType is the closed set of account products a member may hold.
type AccountType string

const (
	AccountTypeCurrent     AccountType = "CURRENT"
	AccountTypeSavings     AccountType = "SAVINGS"
	AccountTypeInvestment  AccountType = "INVESTMENT"
	AccountTypeChecking    AccountType = "CHECKING"
	AccountTypeCooperative AccountType = "COOPERATIVE"
)

// AllAccountTypes lists the products provisioned for every new member.
var AllAccountTypes = []AccountType{
	AccountTypeCurrent,
	AccountTypeSavings,
	AccountTypeInvestment,
	AccountTypeChecking,
	AccountTypeCooperative,
}

// ParseAccountType accepts the canonical names and the legacy French product names.
func ParseAccountType(raw string) (AccountType, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "CURRENT", "COURANT":
		return AccountTypeCurrent, nil
	case "SAVINGS", "EPARGNE":
		return AccountTypeSavings, nil
	case "INVESTMENT", "PLACEMENT":
		return AccountTypeInvestment, nil
	case "CHECKING", "CHEQUE":
		return AccountTypeChecking, nil
	case "COOPERATIVE", "NDJANGUI":
		return AccountTypeCooperative, nil
	default:
		return "", ErrInvalidAccountType
	}
}

// Account holds a member's balance for one product.
type Account struct {
	ID            uuid.UUID       `json:"id"`
	UserID        uuid.UUID       `json:"user_id"`
	Type          AccountType     `json:"type"`
	Balance       decimal.Decimal `json:"balance"`
	Active        bool            `json:"active"`
	RoutingNumber *string         `json:"routing_number,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// IsOpened reports whether a routing number has been assigned.
func (a *Account) IsOpened() bool {
	return a.RoutingNumber != nil && *a.RoutingNumber != ""
}

// Clone returns a copy safe to hand out of a store.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	cp := *a
	if a.RoutingNumber != nil {
		rn := *a.RoutingNumber
		cp.RoutingNumber = &rn
	}
	return &cp
}

const (
	bankCodeLength      = 5
	branchCodeLength    = 5
	accountNumberLength = 11
)

// RoutingPrefix identifies the bank and branch that open an account.
type RoutingPrefix struct {
	BankCode   string `json:"bank_code"`
	BranchCode string `json:"branch_code"`
}

// Validate checks both codes are fixed-width numeric strings.
func (p RoutingPrefix) Validate() error {
	if len(p.BankCode) != bankCodeLength || !isDigits(p.BankCode) {
		return fmt.Errorf("%w: bank code must be %d digits", ErrInvalidRoutingPrefix, bankCodeLength)
	}
	if len(p.BranchCode) != branchCodeLength || !isDigits(p.BranchCode) {
		return fmt.Errorf("%w: branch code must be %d digits", ErrInvalidRoutingPrefix, branchCodeLength)
	}
	return nil
}

// GenerateRoutingNumber builds bank code + branch code + a random 11-digit account
// number + a two-digit key, where key = 97 - (number mod 97).
func GenerateRoutingNumber(prefix RoutingPrefix) (string, error) {
	if err := prefix.Validate(); err != nil {
		return "", err
	}
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(accountNumberLength), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate account number: %w", err)
	}
	accountNumber := fmt.Sprintf("%0*d", accountNumberLength, n.Int64())
	base := prefix.BankCode + prefix.BranchCode + accountNumber
	return base + RoutingKey(base), nil
}

// RoutingKey computes the two-digit check key for a numeric routing base.
func RoutingKey(base string) string {
	n, ok := new(big.Int).SetString(base, 10)
	if !ok {
		return "00"
	}
	mod := new(big.Int).Mod(n, big.NewInt(97))
	key := 97 - mod.Int64()
	return fmt.Sprintf("%02d", key)
}

// ValidRoutingNumber reports whether the trailing key matches the base.
func ValidRoutingNumber(rib string) bool {
	want := bankCodeLength + branchCodeLength + accountNumberLength + 2
	if len(rib) != want || !isDigits(rib) {
		return false
	}
	return RoutingKey(rib[:want-2]) == rib[want-2:]
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
