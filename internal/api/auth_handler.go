package api

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailcore/internal/models"
)

// AccountLister lists a user's active accounts.
type AccountLister interface {
	ListActiveAccounts(ctx context.Context, userID string) ([]*models.Account, error)
}

type AuthStatusResponse struct {
	IsAuthenticated bool `json:"isAuthenticated"`
	// IsSetupComplete is true once the user has at least one active account.
	IsSetupComplete bool `json:"isSetupComplete"`
	AccountCount    int  `json:"accountCount"`
}

type AuthHandler struct {
	accounts AccountLister
	users    UserResolver
	log      logrus.FieldLogger
}

func NewAuthHandler(accounts AccountLister, users UserResolver, log logrus.FieldLogger) *AuthHandler {
	return &AuthHandler{accounts: accounts, users: users, log: log}
}

func (h *AuthHandler) GetAuthStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := GetUserIDFromContext(ctx, w, h.users, h.log)
	if !ok {
		return
	}

	accounts, err := h.accounts.ListActiveAccounts(ctx, userID)
	if err != nil {
		h.log.WithError(err).Error("Failed to list accounts")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, AuthStatusResponse{
		IsAuthenticated: true,
		IsSetupComplete: len(accounts) > 0,
		AccountCount:    len(accounts),
	}, h.log)
}
