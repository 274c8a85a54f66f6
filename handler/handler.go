// Package handler provides the HTTP handlers for the rental store.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/stevemurr/rental-store/identity"
	"github.com/stevemurr/rental-store/store"
	"github.com/stevemurr/rental-store/verify"
)

// Handler holds the server dependencies and registers routes.
type Handler struct {
	store    *store.Store
	verifier *verify.Verifier
	accounts *identity.Service
	logger   *slog.Logger
	mux      *http.ServeMux
}

// New creates a Handler and wires up all routes.
func New(v *verify.Verifier, accounts *identity.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		store:    v.Store(),
		verifier: v,
		accounts: accounts,
		logger:   logger.With("component", "http"),
		mux:      http.NewServeMux(),
	}
	h.routes()
	return h
}

// ServeHTTP makes Handler an http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) routes() {
	// Health / status
	h.mux.HandleFunc("GET /", h.root)
	h.mux.HandleFunc("GET /health", h.health)

	// --- Collections ---
	h.mux.HandleFunc("GET /collections", h.listCollections)
	h.mux.HandleFunc("DELETE /collections/{collection}", h.clearCollection)
	h.mux.HandleFunc("GET /collections/{collection}/items", h.listItems)
	h.mux.HandleFunc("GET /collections/{collection}/items/since/{timestamp}", h.listItemsSince)
	h.mux.HandleFunc("GET /collections/{collection}/items/{key}", h.getItem)
	h.mux.HandleFunc("PUT /collections/{collection}/items/{key}", h.upsertItem)
	h.mux.HandleFunc("DELETE /collections/{collection}/items/{key}", h.deleteItem)

	// --- Maintenance ---
	h.mux.HandleFunc("POST /cache/clear", h.clearCache)
	h.mux.HandleFunc("POST /ids/{prefix}", h.newID)

	// --- Accounts ---
	h.mux.HandleFunc("POST /auth/signup", h.signUp)
	h.mux.HandleFunc("POST /auth/signin", h.signIn)
}

// ---------- helpers ----------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func parseISO(s string) (time.Time, error) {
	s = strings.Replace(s, "Z", "+00:00", 1)
	// Try RFC3339 first
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	// Try without timezone
	if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid timestamp: %s", s)
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

// ---------- status endpoints ----------

func (h *Handler) root(w http.ResponseWriter, r *http.Request) {
	// Only match exact root path
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "Rental Store",
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ---------- collections ----------

func (h *Handler) listCollections(w http.ResponseWriter, r *http.Request) {
	names, err := h.store.Collections(r.Context())
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

func (h *Handler) clearCollection(w http.ResponseWriter, r *http.Request) {
	collection := r.PathValue("collection")
	if err := h.store.ClearCollection(r.Context(), collection); err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared", "collection": collection})
}

func (h *Handler) listItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.store.ListRaw(r.Context(), r.PathValue("collection"))
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// listItemsSince scans the whole collection for records whose updatedAt is
// after the given timestamp.
func (h *Handler) listItemsSince(w http.ResponseWriter, r *http.Request) {
	since, err := parseISO(r.PathValue("timestamp"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid timestamp format")
		return
	}
	items, err := h.store.ListRaw(r.Context(), r.PathValue("collection"))
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	result := []json.RawMessage{}
	for _, raw := range items {
		var doc struct {
			UpdatedAt string `json:"updatedAt"`
		}
		if json.Unmarshal(raw, &doc) != nil || doc.UpdatedAt == "" {
			continue
		}
		if t, err := parseISO(doc.UpdatedAt); err == nil && t.After(since) {
			result = append(result, raw)
		}
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) getItem(w http.ResponseWriter, r *http.Request) {
	raw, ok, err := h.store.GetRaw(r.Context(), r.PathValue("collection"), r.PathValue("key"))
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, raw)
}

// upsertItem stores the body under key. Object bodies without an "id" get
// the key as their id. With ?verify=true the write goes through the
// durability check and fails with 503 if it cannot be confirmed.
func (h *Handler) upsertItem(w http.ResponseWriter, r *http.Request) {
	collection, key := r.PathValue("collection"), r.PathValue("key")
	var incoming any
	if err := readJSON(r, &incoming); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if doc, ok := incoming.(map[string]any); ok {
		if _, has := doc["id"]; !has {
			doc["id"] = key
		}
	}
	raw, err := json.Marshal(incoming)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	if r.URL.Query().Get("verify") == "true" {
		err = h.verifier.WriteRaw(r.Context(), collection, key, raw)
	} else {
		err = h.store.UpsertRaw(r.Context(), collection, key, raw)
	}
	if errors.Is(err, verify.ErrNotDurable) {
		h.logger.Warn("verified write failed", "collection", collection, "id", key, "error", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, json.RawMessage(raw))
}

func (h *Handler) deleteItem(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := h.store.Remove(r.Context(), r.PathValue("collection"), key); err != nil {
		h.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "key": key})
}

// ---------- maintenance ----------

func (h *Handler) clearCache(w http.ResponseWriter, r *http.Request) {
	h.store.ClearCache()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (h *Handler) newID(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusCreated, map[string]string{"id": store.GenerateID(r.PathValue("prefix"))})
}

// ---------- accounts ----------

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// account is the public view of a user; it never includes the hash.
type account struct {
	ID    string        `json:"id"`
	Email string        `json:"email"`
	Name  string        `json:"name"`
	Role  identity.Role `json:"role"`
}

func publicAccount(u identity.User) account {
	return account{ID: u.ID, Email: u.Email, Name: u.Name, Role: u.Role}
}

func (h *Handler) signUp(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	u, err := h.accounts.SignUp(r.Context(), identity.SignUpRequest{
		Email: req.Email, Password: req.Password, Name: req.Name,
	})
	switch {
	case errors.Is(err, identity.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, identity.ErrEmailTaken):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, verify.ErrNotDurable):
		writeError(w, http.StatusServiceUnavailable, "account could not be saved, try again")
	case err != nil:
		h.internalError(w, r, err)
	default:
		writeJSON(w, http.StatusCreated, publicAccount(u))
	}
}

func (h *Handler) signIn(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	u, err := h.accounts.SignIn(r.Context(), req.Email, req.Password)
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case err != nil:
		h.internalError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, publicAccount(u))
	}
}
