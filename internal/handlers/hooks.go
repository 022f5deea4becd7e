package handlers

import (
	"encoding/json"
	"net/http"
	"slices"
	"strings"

	"github.com/familybubble/backend/internal/logging"
)

// billingExpiration marks an event after which the subscription is no longer
// active even if the entitlement is still listed.
const billingExpiration = "EXPIRATION"

// IdentityHookHandler receives account-created callbacks from the identity
// provider and creates the new user's bubble.
type IdentityHookHandler struct {
	Membership MembershipService
	Secret     string
}

// Created handles POST /internal/hooks/identity-created.
func (h IdentityHookHandler) Created(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	logger := logging.FromContext(ctx)

	if h.Membership == nil {
		logger.Error("membership service unavailable")
		respondJSON(ctx, w, http.StatusInternalServerError, map[string]string{"error": "membership service unavailable"})
		return
	}

	if !checkSecret(w, r, h.Secret, "identity hook") {
		return
	}

	var req identityCreatedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid identity hook payload", "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	req.UID = strings.TrimSpace(req.UID)
	if req.UID == "" {
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "uid is required"})
		return
	}

	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		name = strings.TrimSpace(req.Email)
	}

	node, err := h.Membership.CreateRootNode(ctx, req.UID, name, req.BubbleName)
	if err != nil {
		respondError(ctx, w, "create root node", err)
		return
	}

	respondJSON(ctx, w, http.StatusCreated, node)
}

// BillingHandler applies subscription changes reported by the billing
// provider. Events for users without a node are rejected, never used to
// create one.
type BillingHandler struct {
	Membership         MembershipService
	Secret             string
	PremiumEntitlement string
}

// Webhook handles POST /webhooks/billing.
func (h BillingHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	logger := logging.FromContext(ctx)

	if h.Membership == nil {
		logger.Error("membership service unavailable")
		respondJSON(ctx, w, http.StatusInternalServerError, map[string]string{"error": "membership service unavailable"})
		return
	}

	if !checkSecret(w, r, h.Secret, "billing webhook") {
		return
	}

	var req billingWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid billing payload", "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	event := req.Event
	userID := strings.TrimSpace(event.AppUserID)
	entitlements := event.Entitlements
	if entitlements == nil {
		entitlements = event.EntitlementIDs
	}
	if userID == "" || entitlements == nil {
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "event.app_user_id and event.entitlements are required"})
		return
	}

	premium := h.PremiumEntitlement
	if premium == "" {
		premium = "premium"
	}

	active := slices.Contains(entitlements, premium) && !strings.EqualFold(event.Type, billingExpiration)
	entitlement := ""
	if active {
		entitlement = premium
	}

	logger.Info("billing event received", "userId", userID, "eventType", event.Type, "premiumActive", active)

	if err := h.Membership.ApplyBillingTier(ctx, userID, active, entitlement); err != nil {
		respondError(ctx, w, "apply billing tier", err)
		return
	}

	respondJSON(ctx, w, http.StatusOK, successResponse{Success: true})
}

type identityCreatedRequest struct {
	UID         string `json:"uid"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	BubbleName  string `json:"bubbleName"`
}

type billingWebhookRequest struct {
	Event billingEvent `json:"event"`
}

type billingEvent struct {
	AppUserID      string   `json:"app_user_id"`
	Type           string   `json:"type"`
	Entitlements   []string `json:"entitlements"`
	EntitlementIDs []string `json:"entitlement_ids"`
}
