// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package lwwdocs

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
)

// maxDocumentBytes caps PUT bodies.
const maxDocumentBytes = 4 << 20

// ClientAuthenticator extracts both user and device identity from HTTP requests
// Implementations should validate auth (e.g., JWT) and provide both identifiers.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetDeviceID(r *http.Request) (string, error)
}

// HTTPHandlers exposes a DocumentStore over HTTP. Every authenticated user
// gets an isolated view of the store, namespaced by user ID.
type HTTPHandlers struct {
	store         DocumentStore
	authenticator ClientAuthenticator
	logger        *slog.Logger
	appName       string
}

// NewHTTPHandlers creates a new instance of document handlers
func NewHTTPHandlers(store DocumentStore, authenticator ClientAuthenticator, appName string, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{
		store:         store,
		authenticator: authenticator,
		logger:        logger,
		appName:       appName,
	}
}

// Register installs the document routes on mux.
func (h *HTTPHandlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /docs/{collection}", h.HandleList)
	mux.HandleFunc("GET /docs/{collection}/{id}", h.HandleGet)
	mux.HandleFunc("PUT /docs/{collection}/{id}", h.HandleSet)
}

// HandleHealth reports liveness
func (h *HTTPHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", AppName: h.appName})
}

// userStore authenticates the request and returns the caller's namespaced
// store view plus the validated collection name. It writes the error response
// itself and returns ok=false on failure.
func (h *HTTPHandlers) userStore(w http.ResponseWriter, r *http.Request) (DocumentStore, string, bool) {
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, ErrCodeAuthenticationFailed, err.Error())
		return nil, "", false
	}
	if _, err := h.authenticator.GetDeviceID(r); err != nil {
		h.writeError(w, http.StatusUnauthorized, ErrCodeAuthenticationFailed, err.Error())
		return nil, "", false
	}

	collection := r.PathValue("collection")
	if !IsValidCollectionName(collection) {
		h.writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid collection name")
		return nil, "", false
	}
	return Namespaced(h.store, userID), collection, true
}

// HandleGet returns a single document
func (h *HTTPHandlers) HandleGet(w http.ResponseWriter, r *http.Request) {
	store, collection, ok := h.userStore(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")

	doc, err := store.Get(r.Context(), collection, id)
	if err != nil {
		h.logger.Error("Failed to get document", "error", err, "collection", collection, "doc_id", id)
		h.writeError(w, http.StatusInternalServerError, ErrCodeStoreFailed, "Failed to get document")
		return
	}
	if doc == nil {
		h.writeError(w, http.StatusNotFound, ErrCodeNotFound, "document not found")
		return
	}
	h.writeJSON(w, http.StatusOK, doc)
}

// HandleList serves ?after=N range queries and ?scan=true full scans
func (h *HTTPHandlers) HandleList(w http.ResponseWriter, r *http.Request) {
	store, collection, ok := h.userStore(w, r)
	if !ok {
		return
	}

	var (
		docs []Document
		err  error
	)
	if r.URL.Query().Get("scan") == "true" {
		docs, err = store.Scan(r.Context(), collection)
	} else {
		after := int64(0)
		if afterStr := r.URL.Query().Get("after"); afterStr != "" {
			parsedAfter, perr := strconv.ParseInt(afterStr, 10, 64)
			if perr != nil {
				h.writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "after must be an integer")
				return
			}
			if parsedAfter < 0 {
				h.writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "after must be >= 0")
				return
			}
			after = parsedAfter
		}
		docs, err = store.QueryUpdatedAfter(r.Context(), collection, after)
	}

	if errors.Is(err, ErrIndexUnavailable) {
		h.writeError(w, http.StatusNotImplemented, ErrCodeIndexUnavailable, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("Failed to list documents", "error", err, "collection", collection)
		h.writeError(w, http.StatusInternalServerError, ErrCodeStoreFailed, "Failed to list documents")
		return
	}
	if docs == nil {
		docs = []Document{}
	}
	h.writeJSON(w, http.StatusOK, DocumentListResponse{Collection: collection, Documents: docs})
}

// HandleSet upserts a document; ?merge=true merges top-level payload fields
func (h *HTTPHandlers) HandleSet(w http.ResponseWriter, r *http.Request) {
	store, collection, ok := h.userStore(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")

	var doc Document
	if err := json.NewDecoder(io.LimitReader(r.Body, maxDocumentBytes)).Decode(&doc); err != nil {
		h.writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Failed to parse document")
		return
	}
	if doc.ID == "" {
		doc.ID = id
	}
	if doc.ID != id {
		h.writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "document id does not match path")
		return
	}

	merge := false
	if ms := r.URL.Query().Get("merge"); ms != "" {
		v, err := strconv.ParseBool(ms)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "merge must be a boolean")
			return
		}
		merge = v
	}

	err := store.Set(r.Context(), collection, doc, SetOptions{Merge: merge})
	if errors.Is(err, ErrInvalidDocument) {
		h.writeError(w, http.StatusBadRequest, ErrCodeInvalidDocument, err.Error())
		return
	}
	if err != nil {
		h.logger.Error("Failed to set document", "error", err, "collection", collection, "doc_id", id)
		h.writeError(w, http.StatusInternalServerError, ErrCodeStoreFailed, "Failed to set document")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandlers) writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a standardized error response
func (h *HTTPHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	h.writeJSON(w, statusCode, ErrorResponse{Error: errorCode, Message: message})

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
