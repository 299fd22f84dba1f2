package domain

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 20
)

// PageRequest is a 1-based page and a bounded page size.
type PageRequest struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

// Normalize clamps page to >= 1 and limit to 1..MaxPageSize.
func (p PageRequest) Normalize() PageRequest {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit < 1 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	return p
}

// Offset is the number of rows skipped before this page.
func (p PageRequest) Offset() int {
	n := p.Normalize()
	return (n.Page - 1) * n.Limit
}

// Page is one slice of a paginated listing.
type Page[T any] struct {
	Data           []T  `json:"data"`
	CurrentPage    int  `json:"currentPage"`
	TotalPages     int  `json:"totalPages"`
	RemainingPages int  `json:"remainingPages"`
	TotalItems     int  `json:"totalItems"`
	ItemsPerPage   int  `json:"itemsPerPage"`
	HasMore        bool `json:"hasMore"`
}

// NewPage derives the paging counters from the total row count.
func NewPage[T any](data []T, req PageRequest, total int) Page[T] {
	req = req.Normalize()
	if data == nil {
		data = []T{}
	}
	totalPages := int(math.Ceil(float64(total) / float64(req.Limit)))
	remaining := totalPages - req.Page
	if remaining < 0 {
		remaining = 0
	}
	return Page[T]{
		Data:           data,
		CurrentPage:    req.Page,
		TotalPages:     totalPages,
		RemainingPages: remaining,
		TotalItems:     total,
		ItemsPerPage:   req.Limit,
		HasMore:        req.Page < totalPages,
	}
}

// TransactionFilter narrows a transaction listing. Zero values mean "any".
type TransactionFilter struct {
	AccountIDs []uuid.UUID
	Type       TransactionType
	Status     TransactionStatus
	From       *time.Time
	To         *time.Time
	Page       PageRequest
}

// AccountFilter narrows an account listing. Nil fields mean "any".
type AccountFilter struct {
	UserID *uuid.UUID
	Type   *AccountType
	Active *bool
	Page   PageRequest
}

// AccountHolder is one member with every account they hold.
type AccountHolder struct {
	UserID   uuid.UUID `json:"user_id"`
	Accounts []Account `json:"accounts"`
}

// Direction classifies a transaction relative to a set of accounts.
type Direction string

const (
	DirectionIn       Direction = "IN"
	DirectionOut      Direction = "OUT"
	DirectionInternal Direction = "INTERNAL"
)

// TransactionAggregate is one (type, status, direction) bucket.
type TransactionAggregate struct {
	Type      TransactionType   `json:"type"`
	Status    TransactionStatus `json:"status"`
	Direction Direction         `json:"direction"`
	Count     int               `json:"count"`
	Amount    decimal.Decimal   `json:"amount"`
	Fees      decimal.Decimal   `json:"fees"`
}

// FinancialSummary is a user's completed money in and out.
type FinancialSummary struct {
	UserID   uuid.UUID       `json:"user_id"`
	Income   decimal.Decimal `json:"income"`
	Expenses decimal.Decimal `json:"expenses"`
	Fees     decimal.Decimal `json:"fees"`
	Net      decimal.Decimal `json:"net"`
	Balance  decimal.Decimal `json:"balance"`
}

// StatsPeriod is a reporting window ending now.
type StatsPeriod string

const (
	PeriodDay   StatsPeriod = "day"
	PeriodWeek  StatsPeriod = "week"
	PeriodMonth StatsPeriod = "month"
)

// ParseStatsPeriod defaults to month for unknown input.
func ParseStatsPeriod(raw string) StatsPeriod {
	switch StatsPeriod(raw) {
	case PeriodDay, PeriodWeek:
		return StatsPeriod(raw)
	default:
		return PeriodMonth
	}
}

// Since returns the window start for a period ending at now.
func (p StatsPeriod) Since(now time.Time) time.Time {
	switch p {
	case PeriodDay:
		return now.AddDate(0, 0, -1)
	case PeriodWeek:
		return now.AddDate(0, 0, -7)
	default:
		return now.AddDate(0, -1, 0)
	}
}

// StatsBucket is a (type, status) group within a stats window.
type StatsBucket struct {
	Type   TransactionType   `json:"type"`
	Status TransactionStatus `json:"status"`
	Count  int               `json:"count"`
	Amount decimal.Decimal   `json:"amount"`
}

// TransactionStats is the grouped view over a period.
type TransactionStats struct {
	Period      StatsPeriod     `json:"period"`
	Since       time.Time       `json:"since"`
	Buckets     []StatsBucket   `json:"buckets"`
	TotalCount  int             `json:"total_count"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}
