package store

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coopbank/ledger-service/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryRepository is an in-process Repository. Balance work is serialized per
// account and per transaction through keyed mutexes; the maps themselves sit behind
// a RWMutex held only for the copy in and copy out.
type MemoryRepository struct {
	mu           sync.RWMutex
	accounts     map[uuid.UUID]*domain.Account
	ribs         map[string]uuid.UUID
	transactions map[uuid.UUID]*domain.Transaction
	entries      map[uuid.UUID][]domain.LedgerEntry

	accountLocks *keyedMutex
	txLocks      *keyedMutex
	txTimeout    time.Duration
	now          func() time.Time
}

// NewMemoryRepository creates an empty in-memory ledger.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts:     make(map[uuid.UUID]*domain.Account),
		ribs:         make(map[string]uuid.UUID),
		transactions: make(map[uuid.UUID]*domain.Transaction),
		entries:      make(map[uuid.UUID][]domain.LedgerEntry),
		accountLocks: newKeyedMutex(),
		txLocks:      newKeyedMutex(),
		txTimeout:    DefaultTxTimeout,
		now:          time.Now,
	}
}

// SetClock replaces the time source used for timestamps.
func (r *MemoryRepository) SetClock(now func() time.Time) {
	r.now = now
}

func (r *MemoryRepository) CreateAccount(ctx context.Context, account *domain.Account) (*domain.Account, error) {
	cp := account.Clone()
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	now := r.now()
	cp.CreatedAt = now
	cp.UpdatedAt = now

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.accounts[cp.ID]; exists {
		return nil, domain.ErrAccountExists
	}
	for _, existing := range r.accounts {
		if existing.UserID == cp.UserID && existing.Type == cp.Type {
			return nil, domain.ErrAccountExists
		}
	}
	if cp.IsOpened() {
		if _, taken := r.ribs[*cp.RoutingNumber]; taken {
			return nil, domain.ErrRoutingNumberTaken
		}
		r.ribs[*cp.RoutingNumber] = cp.ID
	}
	r.accounts[cp.ID] = cp
	return cp.Clone(), nil
}

func (r *MemoryRepository) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	account, ok := r.accounts[accountID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return account.Clone(), nil
}

func (r *MemoryRepository) FindAccountByRoutingNumber(ctx context.Context, routingNumber string) (*domain.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.ribs[routingNumber]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return r.accounts[id].Clone(), nil
}

func (r *MemoryRepository) FindAccountsByUserID(ctx context.Context, userID uuid.UUID, page domain.PageRequest) ([]domain.Account, int, error) {
	r.mu.RLock()
	matches := make([]domain.Account, 0)
	for _, account := range r.accounts {
		if account.UserID == userID {
			matches = append(matches, *account.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].Type < matches[j].Type
		}
		return matches[i].CreatedAt.Before(matches[j].CreatedAt)
	})
	return paginate(matches, page), len(matches), nil
}

func (r *MemoryRepository) FindAccounts(ctx context.Context, filter domain.AccountFilter) ([]domain.Account, int, error) {
	r.mu.RLock()
	matches := make([]domain.Account, 0)
	for _, account := range r.accounts {
		if accountMatches(account, filter) {
			matches = append(matches, *account.Clone())
		}
	}
	r.mu.RUnlock()

	sortAccountsNewestFirst(matches)
	return paginate(matches, filter.Page), len(matches), nil
}

func (r *MemoryRepository) FindAccountHolders(ctx context.Context, page domain.PageRequest) ([]domain.AccountHolder, int, error) {
	r.mu.RLock()
	byUser := make(map[uuid.UUID][]domain.Account)
	for _, account := range r.accounts {
		byUser[account.UserID] = append(byUser[account.UserID], *account.Clone())
	}
	r.mu.RUnlock()

	holders := make([]domain.AccountHolder, 0, len(byUser))
	joined := make(map[uuid.UUID]time.Time, len(byUser))
	for userID, accounts := range byUser {
		sort.Slice(accounts, func(i, j int) bool {
			if accounts[i].CreatedAt.Equal(accounts[j].CreatedAt) {
				return accounts[i].Type < accounts[j].Type
			}
			return accounts[i].CreatedAt.Before(accounts[j].CreatedAt)
		})
		joined[userID] = accounts[0].CreatedAt
		holders = append(holders, domain.AccountHolder{UserID: userID, Accounts: accounts})
	}
	sort.Slice(holders, func(i, j int) bool {
		ti, tj := joined[holders[i].UserID], joined[holders[j].UserID]
		if ti.Equal(tj) {
			return holders[i].UserID.String() < holders[j].UserID.String()
		}
		return ti.After(tj)
	})
	return paginate(holders, page), len(holders), nil
}

func accountMatches(account *domain.Account, filter domain.AccountFilter) bool {
	if filter.UserID != nil && account.UserID != *filter.UserID {
		return false
	}
	if filter.Type != nil && account.Type != *filter.Type {
		return false
	}
	if filter.Active != nil && account.Active != *filter.Active {
		return false
	}
	return true
}

func sortAccountsNewestFirst(accounts []domain.Account) {
	sort.Slice(accounts, func(i, j int) bool {
		if accounts[i].CreatedAt.Equal(accounts[j].CreatedAt) {
			return accounts[i].ID.String() < accounts[j].ID.String()
		}
		return accounts[i].CreatedAt.After(accounts[j].CreatedAt)
	})
}

func (r *MemoryRepository) AssignRoutingNumber(ctx context.Context, accountID uuid.UUID, routingNumber string) (*domain.Account, error) {
	unlock := r.accountLocks.Lock(accountID)
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	account, ok := r.accounts[accountID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	if account.IsOpened() {
		return nil, domain.ErrAccountAlreadyOpened
	}
	if _, taken := r.ribs[routingNumber]; taken {
		return nil, domain.ErrRoutingNumberTaken
	}
	rib := routingNumber
	account.RoutingNumber = &rib
	account.Active = true
	account.UpdatedAt = r.now()
	r.ribs[rib] = accountID
	return account.Clone(), nil
}

func (r *MemoryRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	if err := tx.Validate(); err != nil {
		return err
	}
	cp := tx.Clone()
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
		tx.ID = cp.ID
	}
	now := r.now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	tx.CreatedAt = now
	tx.UpdatedAt = now

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range []*uuid.UUID{cp.SourceAccountID, cp.DestinationAccountID} {
		if id == nil {
			continue
		}
		if _, ok := r.accounts[*id]; !ok {
			return domain.ErrAccountNotFound
		}
	}
	if _, exists := r.transactions[cp.ID]; exists {
		return fmt.Errorf("transaction %s already exists", cp.ID)
	}
	r.transactions[cp.ID] = cp
	return nil
}

func (r *MemoryRepository) FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tx, ok := r.transactions[transactionID]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	return tx.Clone(), nil
}

func (r *MemoryRepository) AppendTransactionMetadata(ctx context.Context, transactionID uuid.UUID, metadata map[string]string) (*domain.Transaction, error) {
	unlock := r.txLocks.Lock(transactionID)
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.transactions[transactionID]
	if !ok {
		return nil, domain.ErrTransactionNotFound
	}
	if tx.Status.IsTerminal() {
		return tx.Clone(), domain.ErrAlreadyFinalized
	}
	for k, v := range metadata {
		tx.Metadata[k] = v
	}
	tx.UpdatedAt = r.now()
	return tx.Clone(), nil
}

// ApplyTransition locks the transaction, then the accounts in id order, checks the
// guard and postings against private copies, and publishes everything under one
// write lock so readers observe either the old or the new state.
func (r *MemoryRepository) ApplyTransition(ctx context.Context, transition Transition) (*TransitionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.txTimeout)
	defer cancel()

	unlockTx := r.txLocks.Lock(transition.TransactionID)
	defer unlockTx()

	current, err := r.FindTransactionByID(ctx, transition.TransactionID)
	if err != nil {
		return nil, err
	}
	result := &TransitionResult{Transaction: current, Previous: current.Status}
	if current.Status.IsTerminal() {
		return result, domain.ErrAlreadyFinalized
	}
	if !transition.allows(current.Status) {
		return result, fmt.Errorf("%w: %s -> %s", ErrStatusConflict, current.Status, transition.To)
	}

	lockIDs := transition.lockOrder()
	for _, id := range lockIDs {
		unlock := r.accountLocks.Lock(id)
		defer unlock()
	}

	working := make(map[uuid.UUID]*domain.Account, len(lockIDs))
	before := make(map[uuid.UUID]decimal.Decimal, len(lockIDs))
	r.mu.RLock()
	for _, id := range lockIDs {
		account, ok := r.accounts[id]
		if !ok {
			r.mu.RUnlock()
			return result, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
		}
		working[id] = account.Clone()
		before[id] = account.Balance
	}
	r.mu.RUnlock()

	if transition.Guard != nil {
		if err := transition.Guard(ctx, &memoryView{repo: r, accounts: working}, current.Clone()); err != nil {
			return result, err
		}
	}

	now := r.now()
	entries := make([]domain.LedgerEntry, 0, len(transition.Postings))
	delta := make(map[uuid.UUID]decimal.Decimal, len(lockIDs))
	for _, posting := range transition.Postings {
		account := working[posting.AccountID]
		next, err := applyPosting(account.Balance, posting)
		if err != nil {
			return result, fmt.Errorf("%s account %s: %w", posting.Direction, posting.AccountID, err)
		}
		account.Balance = next
		account.UpdatedAt = now
		if posting.Direction == PostingDebit {
			delta[posting.AccountID] = delta[posting.AccountID].Sub(posting.Amount)
		} else {
			delta[posting.AccountID] = delta[posting.AccountID].Add(posting.Amount)
		}
		entries = append(entries, domain.LedgerEntry{
			ID:            uuid.New(),
			TransactionID: transition.TransactionID,
			AccountID:     posting.AccountID,
			Direction:     string(posting.Direction),
			Amount:        posting.Amount,
			BalanceAfter:  next,
			CreatedAt:     now,
		})
	}
	for id, d := range delta {
		if err := checkBalanceInvariant(id, before[id], d, working[id].Balance); err != nil {
			return result, err
		}
	}

	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("atomic unit aborted: %w", err)
	}

	r.mu.Lock()
	stored := r.transactions[transition.TransactionID]
	stored.Status = transition.To
	for k, v := range transition.Metadata {
		stored.Metadata[k] = v
	}
	stored.UpdatedAt = now
	for id, account := range working {
		if _, touched := delta[id]; touched {
			r.accounts[id] = account.Clone()
		}
	}
	r.entries[transition.TransactionID] = append(r.entries[transition.TransactionID], entries...)
	result.Transaction = stored.Clone()
	r.mu.Unlock()

	result.Accounts = working
	return result, nil
}

func (r *MemoryRepository) SumCompletedTransfersSince(ctx context.Context, sourceAccountID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := decimal.Zero
	for _, tx := range r.transactions {
		if tx.Type != domain.TransactionTypeTransfer || tx.Status != domain.StatusCompleted {
			continue
		}
		if tx.SourceAccountID == nil || *tx.SourceAccountID != sourceAccountID {
			continue
		}
		if tx.CreatedAt.Before(since) {
			continue
		}
		total = total.Add(tx.Amount)
	}
	return total, nil
}

func (r *MemoryRepository) ListLedgerEntries(ctx context.Context, transactionID uuid.UUID) ([]domain.LedgerEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.transactions[transactionID]; !ok {
		return nil, domain.ErrTransactionNotFound
	}
	entries := make([]domain.LedgerEntry, len(r.entries[transactionID]))
	copy(entries, r.entries[transactionID])
	return entries, nil
}

func (r *MemoryRepository) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, int, error) {
	accountSet := toSet(filter.AccountIDs)

	r.mu.RLock()
	matches := make([]domain.Transaction, 0)
	for _, tx := range r.transactions {
		if len(accountSet) > 0 && !involvesAny(tx, accountSet) {
			continue
		}
		if filter.Type != "" && tx.Type != filter.Type {
			continue
		}
		if filter.Status != "" && tx.Status != filter.Status {
			continue
		}
		if filter.From != nil && tx.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && tx.CreatedAt.After(*filter.To) {
			continue
		}
		matches = append(matches, *tx.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return bytes.Compare(matches[i].ID[:], matches[j].ID[:]) < 0
		}
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	return paginate(matches, filter.Page), len(matches), nil
}

func (r *MemoryRepository) AggregateTransactions(ctx context.Context, accountIDs []uuid.UUID, since *time.Time) ([]domain.TransactionAggregate, error) {
	accountSet := toSet(accountIDs)
	type key struct {
		txType    domain.TransactionType
		status    domain.TransactionStatus
		direction domain.Direction
	}
	buckets := make(map[key]*domain.TransactionAggregate)

	r.mu.RLock()
	for _, tx := range r.transactions {
		if since != nil && tx.CreatedAt.Before(*since) {
			continue
		}
		direction, ok := classifyDirection(tx, accountSet)
		if !ok {
			continue
		}
		k := key{tx.Type, tx.Status, direction}
		bucket, exists := buckets[k]
		if !exists {
			bucket = &domain.TransactionAggregate{Type: tx.Type, Status: tx.Status, Direction: direction}
			buckets[k] = bucket
		}
		bucket.Count++
		bucket.Amount = bucket.Amount.Add(tx.Amount)
		bucket.Fees = bucket.Fees.Add(tx.Fee)
	}
	r.mu.RUnlock()

	out := make([]domain.TransactionAggregate, 0, len(buckets))
	for _, bucket := range buckets {
		out = append(out, *bucket)
	}
	sortAggregates(out)
	return out, nil
}

func (r *MemoryRepository) ListPendingGatewayTransactions(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error) {
	r.mu.RLock()
	matches := make([]domain.Transaction, 0)
	for _, tx := range r.transactions {
		if tx.Status != domain.StatusPending || !tx.Type.UsesGateway() {
			continue
		}
		if tx.CreatedAt.After(olderThan) {
			continue
		}
		matches = append(matches, *tx.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreatedAt.Before(matches[j].CreatedAt)
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

type memoryView struct {
	repo     *MemoryRepository
	accounts map[uuid.UUID]*domain.Account
}

func (v *memoryView) Account(accountID uuid.UUID) (*domain.Account, bool) {
	account, ok := v.accounts[accountID]
	if !ok {
		return nil, false
	}
	return account.Clone(), true
}

func (v *memoryView) SumCompletedTransfersSince(ctx context.Context, sourceAccountID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	return v.repo.SumCompletedTransfersSince(ctx, sourceAccountID, since)
}

// keyedMutex hands out one mutex per key and drops it when no holder or waiter remains.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[uuid.UUID]*refMutex)}
}

func (k *keyedMutex) Lock(key uuid.UUID) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func paginate[T any](items []T, page domain.PageRequest) []T {
	page = page.Normalize()
	start := page.Offset()
	if start >= len(items) {
		return []T{}
	}
	end := start + page.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

func toSet(ids []uuid.UUID) map[uuid.UUID]struct{} {
	set := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func involvesAny(tx *domain.Transaction, set map[uuid.UUID]struct{}) bool {
	src, dst := legsIn(tx, set)
	return src || dst
}

func legsIn(tx *domain.Transaction, set map[uuid.UUID]struct{}) (src, dst bool) {
	if tx.SourceAccountID != nil {
		_, src = set[*tx.SourceAccountID]
	}
	if tx.DestinationAccountID != nil {
		_, dst = set[*tx.DestinationAccountID]
	}
	return src, dst
}
