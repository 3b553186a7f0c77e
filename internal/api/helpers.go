package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailcore/internal/auth"
	"github.com/vdavid/mailcore/internal/db"
	"github.com/vdavid/mailcore/internal/mailerr"
	"github.com/vdavid/mailcore/internal/mailsync"
)

// maxBodyBytes caps request bodies, attachments included.
const maxBodyBytes = 25 << 20

// UserResolver maps the authenticated email to a user id, creating the user
// on first sight.
type UserResolver func(ctx context.Context, email string) (string, error)

// GetUserIDFromContext extracts the user's email from context, resolves it to
// a user id, and writes the HTTP error when that fails.
func GetUserIDFromContext(ctx context.Context, w http.ResponseWriter, users UserResolver, log logrus.FieldLogger) (string, bool) {
	email, ok := auth.GetUserEmailFromContext(ctx)
	if !ok {
		log.Warn("No user email in context")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return "", false
	}

	userID, err := users(ctx, email)
	if err != nil {
		log.WithError(err).Error("Failed to get or create user")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return "", false
	}

	return userID, true
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error   string     `json:"error"`
	Score   int        `json:"score,omitempty"`
	Issues  []string   `json:"issues,omitempty"`
	ResetAt *time.Time `json:"reset_at,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any, log logrus.FieldLogger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to encode response")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

// writeError maps err onto a status code and a JSON body.
func writeError(w http.ResponseWriter, err error, now time.Time, log logrus.FieldLogger) {
	resp := errorResponse{Error: err.Error()}
	status := http.StatusInternalServerError

	var rl *mailerr.RateLimitError
	var de *mailerr.DeliverabilityError
	switch {
	case errors.As(err, &rl):
		status = http.StatusTooManyRequests
		reset := rl.ResetAt.UTC()
		resp.ResetAt = &reset
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(rl.ResetAt, now)))
	case errors.As(err, &de):
		status = http.StatusUnprocessableEntity
		resp.Score, resp.Issues = de.Score, de.Issues
	case errors.Is(err, mailerr.ErrInsufficientContent):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, mailerr.ErrNoAccountConfigured),
		errors.Is(err, db.ErrAccountNotFound),
		errors.Is(err, db.ErrMessageNotFound):
		status = http.StatusNotFound
	case errors.Is(err, mailerr.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, mailsync.ErrSyncInProgress), errors.Is(err, mailsync.ErrAccountInactive):
		status = http.StatusConflict
	case errors.Is(err, mailerr.ErrConnectionVerificationFailed), errors.Is(err, mailerr.ErrProviderRejected):
		status = http.StatusBadGateway
	case errors.Is(err, mailerr.ErrProviderUnavailable), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		log.WithError(err).Error("Request failed")
		resp.Error = "Internal server error"
	}
	writeJSON(w, status, resp, log)
}

func retryAfterSeconds(resetAt, now time.Time) int {
	secs := int(math.Ceil(resetAt.Sub(now).Seconds()))
	return max(secs, 1)
}
