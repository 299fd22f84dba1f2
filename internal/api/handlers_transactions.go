package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/coopbank/ledger-service/internal/domain"
	"github.com/google/uuid"
)

// CreateTransferHandler starts a transfer between two accounts identified by RIB.
func (h *Handlers) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req domain.CreateTransferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	tx, err := h.service.CreateTransfer(r.Context(), principal, req)
	if err != nil {
		h.fail(w, "create_transfer", principal, err)
		return
	}
	writeJSON(w, transactionStatusCode(tx), tx)
}

// ConfirmTransactionHandler approves or rejects a transfer awaiting approval.
func (h *Handlers) ConfirmTransactionHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	txID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var req domain.ConfirmTransactionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	tx, err := h.service.ConfirmTransaction(r.Context(), principal, txID, req)
	if err != nil {
		h.fail(w, "confirm_transaction", principal, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// CancelTransactionHandler cancels the caller's own unsettled transaction.
func (h *Handlers) CancelTransactionHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	txID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	tx, err := h.service.CancelTransaction(r.Context(), principal, txID)
	if err != nil {
		h.fail(w, "cancel_transaction", principal, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// DepositStatusHandler re-polls the provider for a deposit.
func (h *Handlers) DepositStatusHandler(w http.ResponseWriter, r *http.Request) {
	h.gatewayStatus(w, r, "deposit_status", true)
}

// PayoutStatusHandler re-polls the provider for a withdrawal.
func (h *Handlers) PayoutStatusHandler(w http.ResponseWriter, r *http.Request) {
	h.gatewayStatus(w, r, "payout_status", false)
}

func (h *Handlers) gatewayStatus(w http.ResponseWriter, r *http.Request, endpoint string, deposit bool) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	txID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	var (
		tx  *domain.Transaction
		err error
	)
	if deposit {
		tx, err = h.service.CheckDepositStatus(r.Context(), principal, txID)
	} else {
		tx, err = h.service.CheckPayoutStatus(r.Context(), principal, txID)
	}
	if err != nil {
		if errors.Is(err, domain.ErrGatewayUnavailable) && tx != nil {
			writeJSON(w, http.StatusAccepted, tx)
			return
		}
		h.fail(w, endpoint, principal, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// ListTransactionsHandler pages through every transaction (admin only).
func (h *Handlers) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	page, ok := pageRequest(w, r)
	if !ok {
		return
	}
	result, err := h.service.ListTransactions(r.Context(), principal, page)
	if err != nil {
		h.fail(w, "list_transactions", principal, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListMyTransactionsHandler pages through transactions touching the caller's accounts.
func (h *Handlers) ListMyTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	page, ok := pageRequest(w, r)
	if !ok {
		return
	}
	result, err := h.service.ListMyTransactions(r.Context(), principal, page)
	if err != nil {
		h.fail(w, "list_my_transactions", principal, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListAccountTransactionsHandler pages through one account's transactions.
func (h *Handlers) ListAccountTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	accountID, ok := uuidParam(w, r, "accountID")
	if !ok {
		return
	}
	page, ok := pageRequest(w, r)
	if !ok {
		return
	}
	result, err := h.service.ListAccountTransactions(r.Context(), principal, accountID, page)
	if err != nil {
		h.fail(w, "list_account_transactions", principal, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ListPendingApprovalHandler pages through transfers waiting for an approver.
func (h *Handlers) ListPendingApprovalHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	page, ok := pageRequest(w, r)
	if !ok {
		return
	}
	result, err := h.service.ListPendingApproval(r.Context(), principal, page)
	if err != nil {
		h.fail(w, "list_pending_approval", principal, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// FilterTransactionsHandler filters by type, status, date range and account.
func (h *Handlers) FilterTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	page, ok := pageRequest(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	filter := domain.TransactionFilter{Page: page}

	if raw := strings.TrimSpace(query.Get("type")); raw != "" {
		txType, err := domain.ParseTransactionType(raw)
		if err != nil {
			h.fail(w, "filter_transactions", principal, err)
			return
		}
		filter.Type = txType
	}
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		status, err := domain.ParseTransactionStatus(raw)
		if err != nil {
			h.fail(w, "filter_transactions", principal, err)
			return
		}
		filter.Status = status
	}
	from, err := parseDate(query.Get("startDate"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid startDate")
		return
	}
	to, err := parseDate(query.Get("endDate"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid endDate")
		return
	}
	filter.From, filter.To = from, to
	if raw := strings.TrimSpace(query.Get("accountId")); raw != "" {
		accountID, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid accountId format")
			return
		}
		filter.AccountIDs = []uuid.UUID{accountID}
	}

	result, err := h.service.FilterTransactions(r.Context(), principal, filter)
	if err != nil {
		h.fail(w, "filter_transactions", principal, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetTransactionHandler returns one transaction visible to the caller.
func (h *Handlers) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	txID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	tx, err := h.service.GetTransaction(r.Context(), principal, txID)
	if err != nil {
		h.fail(w, "get_transaction", principal, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// LedgerEntriesHandler returns the balance-changing entries of a transaction.
func (h *Handlers) LedgerEntriesHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	txID, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	entries, err := h.service.LedgerEntries(r.Context(), principal, txID)
	if err != nil {
		h.fail(w, "ledger_entries", principal, err)
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// FinancialSummaryHandler reports completed income, expenses and fees. Admins may
// pass ?userId to look at another member.
func (h *Handlers) FinancialSummaryHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	userID := principal.UserID
	if raw := strings.TrimSpace(r.URL.Query().Get("userId")); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid userId format")
			return
		}
		userID = parsed
	}
	summary, err := h.service.FinancialSummary(r.Context(), principal, userID)
	if err != nil {
		h.fail(w, "financial_summary", principal, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// MyStatsHandler buckets the caller's transactions over ?period (day, week, month).
func (h *Handlers) MyStatsHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	stats, err := h.service.MyStats(r.Context(), principal, domain.ParseStatsPeriod(r.URL.Query().Get("period")))
	if err != nil {
		h.fail(w, "my_stats", principal, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// AccountStatsHandler buckets one account's transactions over ?period.
func (h *Handlers) AccountStatsHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	accountID, ok := uuidParam(w, r, "accountID")
	if !ok {
		return
	}
	stats, err := h.service.AccountStats(r.Context(), principal, accountID, domain.ParseStatsPeriod(r.URL.Query().Get("period")))
	if err != nil {
		h.fail(w, "account_stats", principal, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
