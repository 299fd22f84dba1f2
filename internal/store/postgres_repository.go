/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the SQL used to read and mutate accounts, transactions and
 * ledger entries.
 *
 * Atomic units lock the transaction row first and then the account rows in
 * ascending id order with `SELECT ... FOR UPDATE`, so two units touching the same
 * accounts always queue in the same order.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: Pool, row locking and unique-violation codes.
 * - github.com/shopspring/decimal: Money values.
 * - internal/domain: Models and sentinel errors.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coopbank/ledger-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const accountColumns = `id, user_id, account_type, balance, active, routing_number, created_at, updated_at`

const transactionColumns = `id, type, status, amount, fee, source_account_id, destination_account_id,
	initiator_id, description, metadata, created_at, updated_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db        *pgxpool.Pool
	txTimeout time.Duration
}

// NewPostgresRepository creates a new instance of PostgresRepository. A non-positive
// txTimeout falls back to DefaultTxTimeout.
func NewPostgresRepository(db *pgxpool.Pool, txTimeout time.Duration) *PostgresRepository {
	if txTimeout <= 0 {
		txTimeout = DefaultTxTimeout
	}
	return &PostgresRepository{db: db, txTimeout: txTimeout}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var account domain.Account
	var accountType string
	if err := row.Scan(
		&account.ID,
		&account.UserID,
		&accountType,
		&account.Balance,
		&account.Active,
		&account.RoutingNumber,
		&account.CreatedAt,
		&account.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	account.Type = domain.AccountType(accountType)
	return &account, nil
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var txType, status string
	var metadata []byte
	if err := row.Scan(
		&tx.ID,
		&txType,
		&status,
		&tx.Amount,
		&tx.Fee,
		&tx.SourceAccountID,
		&tx.DestinationAccountID,
		&tx.InitiatorID,
		&tx.Description,
		&metadata,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTransactionNotFound
		}
		return nil, err
	}
	tx.Type = domain.TransactionType(txType)
	tx.Status = domain.TransactionStatus(status)
	tx.Metadata = map[string]string{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &tx.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for transaction %s: %w", tx.ID, err)
		}
	}
	return &tx, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// encodeMetadata renders metadata as a JSON string. Strings rather than []byte keep the
// value a text literal under the simple query protocol.
func encodeMetadata(metadata map[string]string) (string, error) {
	if metadata == nil {
		metadata = map[string]string{}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

// CreateAccount inserts a new account.
func (r *PostgresRepository) CreateAccount(ctx context.Context, account *domain.Account) (*domain.Account, error) {
	id := account.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	query := `
		INSERT INTO accounts (id, user_id, account_type, balance, active, routing_number)
		VALUES ($1, $2, $3, $4::numeric, $5, $6)
		RETURNING ` + accountColumns
	created, err := scanAccount(r.db.QueryRow(ctx, query,
		id,
		account.UserID,
		string(account.Type),
		account.Balance.String(),
		account.Active,
		account.RoutingNumber,
	))
	if err != nil {
		switch {
		case isUniqueViolation(err, "accounts_routing_number_key"):
			return nil, domain.ErrRoutingNumberTaken
		case isUniqueViolation(err, ""):
			return nil, domain.ErrAccountExists
		}
		return nil, err
	}
	return created, nil
}

// FindAccountByID retrieves an account by its primary key.
func (r *PostgresRepository) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	return scanAccount(r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID))
}

// FindAccountByRoutingNumber retrieves an opened account by its RIB.
func (r *PostgresRepository) FindAccountByRoutingNumber(ctx context.Context, routingNumber string) (*domain.Account, error) {
	return scanAccount(r.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE routing_number = $1`, routingNumber))
}

// FindAccountsByUserID lists a member's accounts, oldest first.
func (r *PostgresRepository) FindAccountsByUserID(ctx context.Context, userID uuid.UUID, page domain.PageRequest) ([]domain.Account, int, error) {
	page = page.Normalize()

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM accounts WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE user_id = $1
		ORDER BY created_at ASC, account_type ASC
		LIMIT $2 OFFSET $3
	`, userID, page.Limit, page.Offset())
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	accounts := make([]domain.Account, 0, page.Limit)
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, 0, err
		}
		accounts = append(accounts, *account)
	}
	return accounts, total, rows.Err()
}

func buildAccountFilter(filter domain.AccountFilter) (string, []any) {
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 3)

	if filter.UserID != nil {
		args = append(args, *filter.UserID)
		clauses = append(clauses, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.Type != nil {
		args = append(args, string(*filter.Type))
		clauses = append(clauses, fmt.Sprintf("account_type = $%d", len(args)))
	}
	if filter.Active != nil {
		args = append(args, *filter.Active)
		clauses = append(clauses, fmt.Sprintf("active = $%d", len(args)))
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// FindAccounts lists accounts matching the filter, newest first.
func (r *PostgresRepository) FindAccounts(ctx context.Context, filter domain.AccountFilter) ([]domain.Account, int, error) {
	page := filter.Page.Normalize()
	where, args := buildAccountFilter(filter)

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM accounts`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + accountColumns + ` FROM accounts` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id ASC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, page.Limit, page.Offset())

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	accounts := make([]domain.Account, 0, page.Limit)
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, 0, err
		}
		accounts = append(accounts, *account)
	}
	return accounts, total, rows.Err()
}

// FindAccountHolders pages through members by their first account, newest first.
func (r *PostgresRepository) FindAccountHolders(ctx context.Context, page domain.PageRequest) ([]domain.AccountHolder, int, error) {
	page = page.Normalize()

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(DISTINCT user_id) FROM accounts`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.db.Query(ctx, `
		SELECT user_id
		FROM accounts
		GROUP BY user_id
		ORDER BY MIN(created_at) DESC, user_id ASC
		LIMIT $1 OFFSET $2
	`, page.Limit, page.Offset())
	if err != nil {
		return nil, 0, err
	}
	userIDs := make([]uuid.UUID, 0, page.Limit)
	for rows.Next() {
		var userID uuid.UUID
		if err := rows.Scan(&userID); err != nil {
			rows.Close()
			return nil, 0, err
		}
		userIDs = append(userIDs, userID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(userIDs) == 0 {
		return []domain.AccountHolder{}, total, nil
	}

	accountRows, err := r.db.Query(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE user_id = ANY($1::uuid[])
		ORDER BY created_at ASC, account_type ASC
	`, uuidStrings(userIDs))
	if err != nil {
		return nil, 0, err
	}
	defer accountRows.Close()

	byUser := make(map[uuid.UUID][]domain.Account, len(userIDs))
	for accountRows.Next() {
		account, err := scanAccount(accountRows)
		if err != nil {
			return nil, 0, err
		}
		byUser[account.UserID] = append(byUser[account.UserID], *account)
	}
	if err := accountRows.Err(); err != nil {
		return nil, 0, err
	}

	holders := make([]domain.AccountHolder, 0, len(userIDs))
	for _, userID := range userIDs {
		holders = append(holders, domain.AccountHolder{UserID: userID, Accounts: byUser[userID]})
	}
	return holders, total, nil
}

// AssignRoutingNumber opens an account: the RIB is written once and the account activated.
func (r *PostgresRepository) AssignRoutingNumber(ctx context.Context, accountID uuid.UUID, routingNumber string) (*domain.Account, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	account, err := scanAccount(tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, accountID))
	if err != nil {
		return nil, err
	}
	if account.IsOpened() {
		return nil, domain.ErrAccountAlreadyOpened
	}

	updated, err := scanAccount(tx.QueryRow(ctx, `
		UPDATE accounts
		SET routing_number = $1, active = TRUE, updated_at = NOW()
		WHERE id = $2
		RETURNING `+accountColumns, routingNumber, accountID))
	if err != nil {
		if isUniqueViolation(err, "") {
			return nil, domain.ErrRoutingNumberTaken
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

// CreateTransaction inserts a new transaction record into the database.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, txRecord *domain.Transaction) error {
	if err := txRecord.Validate(); err != nil {
		return err
	}
	if txRecord.ID == uuid.Nil {
		txRecord.ID = uuid.New()
	}
	metadata, err := encodeMetadata(txRecord.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO transactions (
			id,
			type,
			status,
			amount,
			fee,
			source_account_id,
			destination_account_id,
			initiator_id,
			description,
			metadata
		)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7, $8, $9, $10::jsonb)
		RETURNING created_at, updated_at
	`
	err = r.db.QueryRow(ctx, query,
		txRecord.ID,
		string(txRecord.Type),
		string(txRecord.Status),
		txRecord.Amount.String(),
		txRecord.Fee.String(),
		txRecord.SourceAccountID,
		txRecord.DestinationAccountID,
		txRecord.InitiatorID,
		txRecord.Description,
		metadata,
	).Scan(&txRecord.CreatedAt, &txRecord.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return domain.ErrAccountNotFound
		}
		return err
	}
	return nil
}

// FindTransactionByID retrieves a single transaction by its ID.
func (r *PostgresRepository) FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	return scanTransaction(r.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, transactionID))
}

// AppendTransactionMetadata merges keys into a record that is not yet terminal.
func (r *PostgresRepository) AppendTransactionMetadata(ctx context.Context, transactionID uuid.UUID, metadata map[string]string) (*domain.Transaction, error) {
	payload, err := encodeMetadata(metadata)
	if err != nil {
		return nil, err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	current, err := scanTransaction(tx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, transactionID))
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		return current, domain.ErrAlreadyFinalized
	}

	updated, err := scanTransaction(tx.QueryRow(ctx, `
		UPDATE transactions
		SET metadata = metadata || $1::jsonb, updated_at = NOW()
		WHERE id = $2
		RETURNING `+transactionColumns, payload, transactionID))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

// ApplyTransition runs one atomic unit: lock, guard, post, verify, record, commit.
func (r *PostgresRepository) ApplyTransition(ctx context.Context, transition Transition) (*TransitionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.txTimeout)
	defer cancel()

	metadata, err := encodeMetadata(transition.Metadata)
	if err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin atomic unit: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := scanTransaction(tx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, transition.TransactionID))
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
	accounts := make(map[uuid.UUID]*domain.Account, len(lockIDs))
	before := make(map[uuid.UUID]decimal.Decimal, len(lockIDs))
	for _, id := range lockIDs {
		account, err := scanAccount(tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return result, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
			}
			return result, fmt.Errorf("lock account %s: %w", id, err)
		}
		accounts[id] = account
		before[id] = account.Balance
	}

	if transition.Guard != nil {
		if err := transition.Guard(ctx, &pgView{tx: tx, accounts: accounts}, current); err != nil {
			return result, err
		}
	}

	delta := make(map[uuid.UUID]decimal.Decimal, len(lockIDs))
	for _, posting := range transition.Postings {
		account := accounts[posting.AccountID]
		expected, err := applyPosting(account.Balance, posting)
		if err != nil {
			return result, fmt.Errorf("%s account %s: %w", posting.Direction, posting.AccountID, err)
		}

		signed := posting.Amount
		if posting.Direction == PostingDebit {
			signed = signed.Neg()
		}
		var after decimal.Decimal
		if err := tx.QueryRow(ctx, `
			UPDATE accounts
			SET balance = balance + $1::numeric, updated_at = NOW()
			WHERE id = $2
			RETURNING balance
		`, signed.String(), posting.AccountID).Scan(&after); err != nil {
			return result, fmt.Errorf("post %s to account %s: %w", posting.Direction, posting.AccountID, err)
		}
		if !after.Equal(expected) {
			if err := checkBalanceInvariant(posting.AccountID, account.Balance, signed, after); err != nil {
				return result, err
			}
		}
		account.Balance = after
		delta[posting.AccountID] = delta[posting.AccountID].Add(signed)

		if _, err := tx.Exec(ctx, `
			INSERT INTO ledger_entries (id, transaction_id, account_id, direction, amount, balance_after)
			VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric)
		`, uuid.New(), transition.TransactionID, posting.AccountID, string(posting.Direction), posting.Amount.String(), after.String()); err != nil {
			return result, fmt.Errorf("write ledger entry: %w", err)
		}
	}
	for id, d := range delta {
		if err := checkBalanceInvariant(id, before[id], d, accounts[id].Balance); err != nil {
			return result, err
		}
	}

	updated, err := scanTransaction(tx.QueryRow(ctx, `
		UPDATE transactions
		SET status = $1, metadata = metadata || $2::jsonb, updated_at = NOW()
		WHERE id = $3
		RETURNING `+transactionColumns, string(transition.To), metadata, transition.TransactionID))
	if err != nil {
		return result, fmt.Errorf("update transaction status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return result, fmt.Errorf("commit atomic unit: %w", err)
	}

	result.Transaction = updated
	result.Accounts = accounts
	return result, nil
}

// SumCompletedTransfersSince totals completed outbound transfers from an account.
func (r *PostgresRepository) SumCompletedTransfersSince(ctx context.Context, sourceAccountID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	return sumCompletedTransfers(ctx, r.db, sourceAccountID, since)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func sumCompletedTransfers(ctx context.Context, q queryRower, sourceAccountID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := q.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM transactions
		WHERE source_account_id = $1
		  AND type = 'TRANSFER'
		  AND status = 'COMPLETED'
		  AND created_at >= $2
	`, sourceAccountID, since).Scan(&total)
	return total, err
}

// ListLedgerEntries returns the postings recorded for a transaction.
func (r *PostgresRepository) ListLedgerEntries(ctx context.Context, transactionID uuid.UUID) ([]domain.LedgerEntry, error) {
	if _, err := r.FindTransactionByID(ctx, transactionID); err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, transaction_id, account_id, direction, amount, balance_after, created_at
		FROM ledger_entries
		WHERE transaction_id = $1
		ORDER BY created_at ASC, id ASC
	`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.LedgerEntry, 0)
	for rows.Next() {
		var entry domain.LedgerEntry
		if err := rows.Scan(
			&entry.ID,
			&entry.TransactionID,
			&entry.AccountID,
			&entry.Direction,
			&entry.Amount,
			&entry.BalanceAfter,
			&entry.CreatedAt,
		); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// buildTransactionFilter renders the WHERE clause shared by the list and count queries.
func buildTransactionFilter(filter domain.TransactionFilter) (string, []any) {
	clauses := make([]string, 0, 5)
	args := make([]any, 0, 5)
	argPos := 1

	if len(filter.AccountIDs) > 0 {
		clauses = append(clauses, fmt.Sprintf("(source_account_id = ANY($%d::uuid[]) OR destination_account_id = ANY($%d::uuid[]))", argPos, argPos))
		args = append(args, uuidStrings(filter.AccountIDs))
		argPos++
	}
	if filter.Type != "" {
		clauses = append(clauses, fmt.Sprintf("type = $%d", argPos))
		args = append(args, string(filter.Type))
		argPos++
	}
	if filter.Status != "" {
		clauses = append(clauses, fmt.Sprintf("status = $%d", argPos))
		args = append(args, string(filter.Status))
		argPos++
	}
	if filter.From != nil {
		clauses = append(clauses, fmt.Sprintf("created_at >= $%d", argPos))
		args = append(args, *filter.From)
		argPos++
	}
	if filter.To != nil {
		clauses = append(clauses, fmt.Sprintf("created_at <= $%d", argPos))
		args = append(args, *filter.To)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// ListTransactions retrieves one page of transactions plus the total match count.
func (r *PostgresRepository) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]domain.Transaction, int, error) {
	page := filter.Page.Normalize()
	where, args := buildTransactionFilter(filter)

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM transactions`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id ASC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, page.Limit, page.Offset())

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	results := make([]domain.Transaction, 0, page.Limit)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		results = append(results, *tx)
	}
	return results, total, rows.Err()
}

// AggregateTransactions groups transactions by type, status and direction relative to
// accountIDs. An empty accountIDs aggregates the whole ledger.
func (r *PostgresRepository) AggregateTransactions(ctx context.Context, accountIDs []uuid.UUID, since *time.Time) ([]domain.TransactionAggregate, error) {
	srcIn := "source_account_id IS NOT NULL"
	dstIn := "destination_account_id IS NOT NULL"
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 2)

	if len(accountIDs) > 0 {
		args = append(args, uuidStrings(accountIDs))
		srcIn = "COALESCE(source_account_id = ANY($1::uuid[]), FALSE)"
		dstIn = "COALESCE(destination_account_id = ANY($1::uuid[]), FALSE)"
		clauses = append(clauses, "("+srcIn+" OR "+dstIn+")")
	}
	if since != nil {
		args = append(args, *since)
		clauses = append(clauses, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	query := `
		SELECT type, status, direction, COUNT(*), COALESCE(SUM(amount), 0), COALESCE(SUM(fee), 0)
		FROM (
			SELECT type, status, amount, fee,
				CASE
					WHEN ` + srcIn + ` AND ` + dstIn + ` THEN 'INTERNAL'
					WHEN ` + srcIn + ` THEN 'OUT'
					ELSE 'IN'
				END AS direction
			FROM transactions` + where + `
		) classified
		GROUP BY type, status, direction
	`
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.TransactionAggregate, 0)
	for rows.Next() {
		var agg domain.TransactionAggregate
		var txType, status, direction string
		if err := rows.Scan(&txType, &status, &direction, &agg.Count, &agg.Amount, &agg.Fees); err != nil {
			return nil, err
		}
		agg.Type = domain.TransactionType(txType)
		agg.Status = domain.TransactionStatus(status)
		agg.Direction = domain.Direction(direction)
		out = append(out, agg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortAggregates(out)
	return out, nil
}

// ListPendingGatewayTransactions returns the oldest PENDING deposits and withdrawals
// created before olderThan.
func (r *PostgresRepository) ListPendingGatewayTransactions(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE status = 'PENDING'
		  AND type IN ('DEPOSIT', 'WITHDRAWAL')
		  AND created_at <= $1
		ORDER BY created_at ASC
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]domain.Transaction, 0, limit)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *tx)
	}
	return results, rows.Err()
}

type pgView struct {
	tx       pgx.Tx
	accounts map[uuid.UUID]*domain.Account
}

func (v *pgView) Account(accountID uuid.UUID) (*domain.Account, bool) {
	account, ok := v.accounts[accountID]
	if !ok {
		return nil, false
	}
	return account.Clone(), true
}

func (v *pgView) SumCompletedTransfersSince(ctx context.Context, sourceAccountID uuid.UUID, since time.Time) (decimal.Decimal, error) {
	return sumCompletedTransfers(ctx, v.tx, sourceAccountID, since)
}
