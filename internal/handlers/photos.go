package handlers

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/familybubble/backend/internal/logging"
)

// MaxPhotoBytes caps profile photo uploads.
const MaxPhotoBytes = 5 << 20

var photoExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

// PhotoHandler accepts profile photo uploads for the caller's node.
type PhotoHandler struct {
	Membership MembershipService
	Storage    PhotoStorage
}

// Upload handles PUT /api/v1/nodes/me/photo. The body is the raw image; its
// type is sniffed from the bytes rather than trusted from the header.
func (h PhotoHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	logger := logging.FromContext(ctx)

	if h.Membership == nil || h.Storage == nil {
		logger.Error("photo dependencies unavailable", "hasMembership", h.Membership != nil, "hasStorage", h.Storage != nil)
		respondJSON(ctx, w, http.StatusInternalServerError, map[string]string{"error": "photo uploads unavailable"})
		return
	}

	userID, ok := callerID(w, r)
	if !ok {
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxPhotoBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondJSON(ctx, w, http.StatusRequestEntityTooLarge, map[string]string{"error": fmt.Sprintf("photo exceeds %d bytes", MaxPhotoBytes)})
			return
		}
		logger.Warn("read photo body", "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if len(data) == 0 {
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "photo body is empty"})
		return
	}

	contentType := http.DetectContentType(data)
	ext, ok := photoExtensions[contentType]
	if !ok {
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "photo must be jpeg, png or webp"})
		return
	}

	key := fmt.Sprintf("photos/%s/%s%s", userID, uuid.NewString(), ext)
	location, err := h.Storage.SavePhoto(ctx, key, contentType, bytes.NewReader(data))
	if err != nil {
		logger.Error("store photo", "error", err, "key", key)
		respondJSON(ctx, w, http.StatusInternalServerError, map[string]string{"error": "failed to store photo"})
		return
	}

	node, err := h.Membership.SetPhoto(ctx, userID, location)
	if err != nil {
		respondError(ctx, w, "set photo", err)
		return
	}

	logger.Info("photo updated", "bytes", len(data), "contentType", contentType)
	respondJSON(ctx, w, http.StatusOK, photoResponse{PhotoURL: node.PhotoURL})
}

type photoResponse struct {
	PhotoURL string `json:"photoUrl"`
}
