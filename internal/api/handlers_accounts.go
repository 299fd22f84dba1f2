package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/coopbank/ledger-service/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type openAccountRequest struct {
	Type string `json:"type"`
}

type mobileMoneyBody struct {
	Amount  decimal.Decimal `json:"amount"`
	Phone   string          `json:"phone"`
	Carrier string          `json:"carrier"`
}

// ListMyAccountsHandler pages through the caller's accounts.
func (h *Handlers) ListMyAccountsHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	page, ok := pageRequest(w, r)
	if !ok {
		return
	}
	accounts, err := h.service.ListAccounts(r.Context(), principal, principal.UserID, page)
	if err != nil {
		h.fail(w, "list_my_accounts", principal, err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

// ListUserAccountsHandler pages through another user's accounts (admin or owner).
func (h *Handlers) ListUserAccountsHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	userID, ok := uuidParam(w, r, "userID")
	if !ok {
		return
	}
	page, ok := pageRequest(w, r)
	if !ok {
		return
	}
	accounts, err := h.service.ListAccounts(r.Context(), principal, userID, page)
	if err != nil {
		h.fail(w, "list_user_accounts", principal, err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

// ListActiveAccountsHandler pages through every opened account (admin only).
func (h *Handlers) ListActiveAccountsHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	page, ok := pageRequest(w, r)
	if !ok {
		return
	}
	accounts, err := h.service.ListActiveAccounts(r.Context(), principal, page)
	if err != nil {
		h.fail(w, "list_active_accounts", principal, err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

// ListGroupedAccountsHandler pages through members with their accounts (admin only).
func (h *Handlers) ListGroupedAccountsHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	page, ok := pageRequest(w, r)
	if !ok {
		return
	}
	holders, err := h.service.ListAccountsGroupedByUser(r.Context(), principal, page)
	if err != nil {
		h.fail(w, "list_grouped_accounts", principal, err)
		return
	}
	writeJSON(w, http.StatusOK, holders)
}

// FilterAccountsHandler filters accounts by type, active flag and owner.
func (h *Handlers) FilterAccountsHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	page, ok := pageRequest(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()
	filter := domain.AccountFilter{Page: page}

	if raw := strings.TrimSpace(query.Get("type")); raw != "" {
		accountType, err := domain.ParseAccountType(raw)
		if err != nil {
			h.fail(w, "filter_accounts", principal, err)
			return
		}
		filter.Type = &accountType
	}
	if raw := strings.TrimSpace(query.Get("isActive")); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid isActive")
			return
		}
		filter.Active = &active
	}
	if raw := strings.TrimSpace(query.Get("userId")); raw != "" {
		userID, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid userId format")
			return
		}
		filter.UserID = &userID
	}

	accounts, err := h.service.FilterAccounts(r.Context(), principal, filter)
	if err != nil {
		h.fail(w, "filter_accounts", principal, err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

// GetAccountHandler returns one account.
func (h *Handlers) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	accountID, ok := uuidParam(w, r, "accountID")
	if !ok {
		return
	}
	account, err := h.service.GetAccount(r.Context(), principal, accountID)
	if err != nil {
		h.fail(w, "get_account", principal, err)
		return
	}
	writeJSON(w, http.StatusOK, account)
}

// ProvisionAccountsHandler creates a user's product accounts if they are missing.
func (h *Handlers) ProvisionAccountsHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	userID, ok := uuidParam(w, r, "userID")
	if !ok {
		return
	}
	if !principal.IsAdmin() && principal.UserID != userID {
		h.fail(w, "provision_accounts", principal, domain.ErrForbidden)
		return
	}
	accounts, err := h.service.ProvisionAccounts(r.Context(), userID)
	if err != nil {
		h.fail(w, "provision_accounts", principal, err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

// OpenAccountHandler assigns a routing number to the user's account of the requested type.
func (h *Handlers) OpenAccountHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	userID, ok := uuidParam(w, r, "userID")
	if !ok {
		return
	}
	var req openAccountRequest
	if !decodeBody(w, r, &req) {
		return
	}
	accountType, err := domain.ParseAccountType(req.Type)
	if err != nil {
		h.fail(w, "open_account", principal, err)
		return
	}
	account, err := h.service.OpenAccount(r.Context(), principal, userID, accountType)
	if err != nil {
		h.fail(w, "open_account", principal, err)
		return
	}
	writeJSON(w, http.StatusCreated, account)
}

// InternalTransferHandler moves money between two accounts by id.
func (h *Handlers) InternalTransferHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	var req domain.InternalTransferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := h.service.TransferInternal(r.Context(), principal, req)
	if err != nil {
		h.fail(w, "internal_transfer", principal, err)
		return
	}
	writeJSON(w, transactionStatusCode(result.Transaction), result)
}

// DepositHandler starts a mobile-money deposit into an account.
func (h *Handlers) DepositHandler(w http.ResponseWriter, r *http.Request) {
	h.mobileMoney(w, r, "deposit", true)
}

// WithdrawHandler starts a mobile-money payout from an account.
func (h *Handlers) WithdrawHandler(w http.ResponseWriter, r *http.Request) {
	h.mobileMoney(w, r, "withdraw", false)
}

func (h *Handlers) mobileMoney(w http.ResponseWriter, r *http.Request, endpoint string, deposit bool) {
	principal, ok := h.principal(w, r)
	if !ok {
		return
	}
	accountID, ok := uuidParam(w, r, "accountID")
	if !ok {
		return
	}
	var body mobileMoneyBody
	if !decodeBody(w, r, &body) {
		return
	}
	req := domain.MobileMoneyRequest{AccountID: accountID, Amount: body.Amount, Phone: body.Phone, Carrier: body.Carrier}

	var (
		tx  *domain.Transaction
		err error
	)
	if deposit {
		tx, err = h.service.InitiateDeposit(r.Context(), principal, req)
	} else {
		tx, err = h.service.InitiateWithdrawal(r.Context(), principal, req)
	}
	if err != nil {
		// The record exists and stays pending; the poller settles it.
		if errors.Is(err, domain.ErrGatewayUnavailable) && tx != nil {
			writeJSON(w, http.StatusAccepted, tx)
			return
		}
		h.fail(w, endpoint, principal, err)
		return
	}
	writeJSON(w, transactionStatusCode(tx), tx)
}

// transactionStatusCode is 201 for a settled record and 202 while it still waits
// on an approver or the provider.
func transactionStatusCode(tx *domain.Transaction) int {
	if tx != nil && tx.Status.IsTerminal() {
		return http.StatusCreated
	}
	return http.StatusAccepted
}
