package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/familybubble/backend/internal/auth"
	"github.com/familybubble/backend/internal/logging"
)

const defaultHeartbeat = 25 * time.Second

// BubbleHandler serves the caller-facing bubble and referral endpoints.
type BubbleHandler struct {
	Membership MembershipService
	Referrals  ReferralService
	Limiter    RateLimiter
	// Heartbeat is the idle interval between keep-alive comments on the
	// roster stream.
	Heartbeat time.Duration
}

// Mint handles POST /api/v1/referrals.
func (h BubbleHandler) Mint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	logger := logging.FromContext(ctx)

	if h.Referrals == nil {
		logger.Error("referral service unavailable")
		respondJSON(ctx, w, http.StatusInternalServerError, map[string]string{"error": "referral service unavailable"})
		return
	}

	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	if !allowRequest(h.Limiter, r, "referrals:mint") {
		respondJSON(ctx, w, http.StatusTooManyRequests, map[string]string{"error": "too many referral requests"})
		return
	}

	var req mintRequest
	if err := decodeOptional(r, &req); err != nil {
		logger.Warn("invalid mint payload", "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	result, err := h.Referrals.Mint(ctx, userID, req.ToNode)
	if err != nil {
		respondError(ctx, w, "mint referral", err)
		return
	}

	respondJSON(ctx, w, http.StatusCreated, result)
}

// Join handles POST /api/v1/bubble/join.
func (h BubbleHandler) Join(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	logger := logging.FromContext(ctx)

	if h.Referrals == nil {
		logger.Error("referral service unavailable")
		respondJSON(ctx, w, http.StatusInternalServerError, map[string]string{"error": "referral service unavailable"})
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok {
		respondJSON(ctx, w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
		return
	}

	if !allowRequest(h.Limiter, r, "referrals:join") {
		respondJSON(ctx, w, http.StatusTooManyRequests, map[string]string{"error": "too many join attempts"})
		return
	}

	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid join payload", "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if strings.TrimSpace(req.ReferralToken) == "" {
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "referralToken is required"})
		return
	}

	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = identity.Name()
	}

	result, err := h.Referrals.Redeem(ctx, req.ReferralToken, identity.UserID, displayName)
	if err != nil {
		respondError(ctx, w, "join bubble", err)
		return
	}

	respondJSON(ctx, w, http.StatusOK, joinResponse{Success: true, BubbleID: result.BubbleID})
}

// Status handles POST /api/v1/nodes/me/status. Only the caller's own node
// is ever updated.
func (h BubbleHandler) Status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	if !h.membershipReady(w, r) {
		return
	}

	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logging.FromContext(ctx).Warn("invalid status payload", "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if err := h.Membership.UpdateStatus(ctx, userID, req.Status); err != nil {
		respondError(ctx, w, "update status", err)
		return
	}

	respondJSON(ctx, w, http.StatusOK, successResponse{Success: true})
}

// Upgrade handles POST /api/v1/nodes/me/upgrade.
func (h BubbleHandler) Upgrade(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.membershipReady(w, r) {
		return
	}

	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	if err := h.Membership.UpgradeToOwner(ctx, userID); err != nil {
		respondError(ctx, w, "upgrade to owner", err)
		return
	}

	respondJSON(ctx, w, http.StatusOK, successResponse{Success: true})
}

// Leave handles POST /api/v1/bubble/leave.
func (h BubbleHandler) Leave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.membershipReady(w, r) {
		return
	}

	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	if err := h.Membership.Leave(ctx, userID); err != nil {
		respondError(ctx, w, "leave bubble", err)
		return
	}

	respondJSON(ctx, w, http.StatusOK, successResponse{Success: true})
}

// Roster handles GET /api/v1/bubble.
func (h BubbleHandler) Roster(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.membershipReady(w, r) {
		return
	}

	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	roster, err := h.Membership.Roster(ctx, userID)
	if err != nil {
		respondError(ctx, w, "load roster", err)
		return
	}

	respondJSON(ctx, w, http.StatusOK, roster)
}

// Stream handles GET /api/v1/bubble/stream as server-sent events. Each
// "roster" event carries the full roster; the stream ends when the client
// disconnects or the caller's node is removed.
func (h BubbleHandler) Stream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.membershipReady(w, r) {
		return
	}

	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	logger := logging.FromContext(ctx)

	updates, err := h.Membership.SubscribeRoster(ctx, userID)
	if err != nil {
		respondError(ctx, w, "subscribe roster", err)
		return
	}

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		logger.Warn("clear stream write deadline", "error", err)
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		logger.Error("roster stream cannot flush", "error", err)
		return
	}

	heartbeat := h.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	sent := 0
	for {
		select {
		case <-ctx.Done():
			logger.Info("roster stream closed by client", "events", sent)
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case roster, ok := <-updates:
			if !ok {
				logger.Info("roster stream ended", "events", sent)
				return
			}
			data, err := json.Marshal(roster)
			if err != nil {
				logger.Error("encode roster event", "error", err)
				return
			}
			if _, err := fmt.Fprintf(w, "event: roster\ndata: %s\n\n", data); err != nil {
				return
			}
			sent++
			ticker.Reset(heartbeat)
		}

		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func (h BubbleHandler) membershipReady(w http.ResponseWriter, r *http.Request) bool {
	if h.Membership != nil {
		return true
	}
	ctx := r.Context()
	logging.FromContext(ctx).Error("membership service unavailable")
	respondJSON(ctx, w, http.StatusInternalServerError, map[string]string{"error": "membership service unavailable"})
	return false
}

// decodeOptional decodes a JSON body, treating an empty body as zero value.
func decodeOptional(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

type mintRequest struct {
	ToNode string `json:"toNode"`
}

type joinRequest struct {
	ReferralToken string `json:"referralToken"`
	DisplayName   string `json:"displayName"`
}

type joinResponse struct {
	Success  bool   `json:"success"`
	BubbleID string `json:"bubbleId"`
}

// statusRequest carries no user id; the caller is always the target.
type statusRequest struct {
	Status string `json:"status"`
}

type successResponse struct {
	Success bool `json:"success"`
}
