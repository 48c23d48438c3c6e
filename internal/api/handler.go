package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/topchanges/handler-dash/internal/lists"
	"github.com/topchanges/handler-dash/internal/storage"
)

type contextKey string

const requestIDContextKey contextKey = "requestID"

const (
	defaultSearchLimit   = 50
	defaultTopLimit      = 50
	maxResultLimit       = 500
	defaultFlowsLookback = 30 * 24 * time.Hour
)

// Store is the query surface the handlers need from the staged database.
type Store interface {
	SearchSecurities(ctx context.Context, query string, limit int) ([]storage.Security, error)
	InvestorFlows(ctx context.Context, isin string, from, to time.Time) ([]storage.InvestorFlow, error)
	TopChanges(ctx context.Context, day time.Time, limit int) ([]storage.TopChange, error)
}

// Meta describes the running instance for the parent application's menu:
// where to link to, which database variant is staged, and how the startup
// sync went.
type Meta struct {
	AdvertisedURL   string    `json:"url"`
	DatabaseVariant string    `json:"databaseVariant"`
	LocalDBPath     string    `json:"localDbPath"`
	SizeBytes       int64     `json:"sizeBytes"`
	LastSyncedAt    time.Time `json:"lastSyncedAt"`
	Copied          bool      `json:"copiedOnStartup"`
	Reason          string    `json:"syncReason"`
}

// Handler wires the staged database and list directory into HTTP handlers.
type Handler struct {
	store   Store
	listDir string
	meta    Meta

	clock func() time.Time
}

// HandlerOption configures Handler behaviour.
type HandlerOption func(*Handler)

// WithClock overrides the time source, primarily for tests.
func WithClock(clock func() time.Time) HandlerOption {
	return func(h *Handler) {
		h.clock = clock
	}
}

// NewHandler constructs a Handler with the provided dependencies.
func NewHandler(store Store, listDir string, meta Meta, opts ...HandlerOption) *Handler {
	h := &Handler{
		store:   store,
		listDir: listDir,
		meta:    meta,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = r
	resp := healthResponse{
		Status:    "ok",
		Timestamp: h.clock(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleMeta(w http.ResponseWriter, r *http.Request) {
	_ = r
	writeJSON(w, http.StatusOK, h.meta)
}

func (h *Handler) handleSearchSecurities(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if len(query) < 2 {
		writeError(w, http.StatusBadRequest, "Invalid request", "q must be at least 2 characters")
		return
	}

	limit, err := parseLimit(r.URL.Query().Get("limit"), defaultSearchLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", err.Error())
		return
	}

	securities, err := h.store.SearchSecurities(r.Context(), query, limit)
	if err != nil {
		writeInternalError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, securitiesResponse{Query: query, Securities: securities})
}

func (h *Handler) handleInvestorFlows(w http.ResponseWriter, r *http.Request) {
	isin := strings.TrimSpace(r.PathValue("isin"))
	if isin == "" {
		writeError(w, http.StatusBadRequest, "Invalid request", "missing ISIN")
		return
	}

	now := h.clock()
	from, to := now.Add(-defaultFlowsLookback), now

	var err error
	if raw := r.URL.Query().Get("from"); raw != "" {
		if from, err = time.Parse("2006-01-02", raw); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request", "from must be YYYY-MM-DD")
			return
		}
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		if to, err = time.Parse("2006-01-02", raw); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request", "to must be YYYY-MM-DD")
			return
		}
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "Invalid request", "to cannot be before from")
		return
	}

	flows, err := h.store.InvestorFlows(r.Context(), isin, from, to)
	if err != nil {
		writeInternalError(w, err)
		return
	}

	resp := flowsResponse{
		ISIN:  isin,
		From:  from.Format("2006-01-02"),
		To:    to.Format("2006-01-02"),
		Flows: flows,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleTopChanges(w http.ResponseWriter, r *http.Request) {
	day := h.clock()

	var err error
	if raw := r.URL.Query().Get("date"); raw != "" {
		if day, err = time.Parse("2006-01-02", raw); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request", "date must be YYYY-MM-DD")
			return
		}
	}

	limit, err := parseLimit(r.URL.Query().Get("limit"), defaultTopLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", err.Error())
		return
	}

	changes, err := h.store.TopChanges(r.Context(), day, limit)
	if err != nil {
		writeInternalError(w, err)
		return
	}

	resp := topChangesResponse{
		Date:    day.Format("2006-01-02"),
		Changes: changes,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetLists(w http.ResponseWriter, r *http.Request) {
	_ = r
	names, err := lists.Available(h.listDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "List directory unavailable", "the shared list directory is not mounted")
			return
		}
		writeInternalError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, listsResponse{Lists: names})
}

func (h *Handler) handleGetList(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	entries, err := lists.Read(h.listDir, name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "Unknown list", name)
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid list request", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, listResponse{Name: name, Entries: entries})
}

func parseLimit(raw string, fallback int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > maxResultLimit {
		return 0, fmt.Errorf("limit must be an integer in 1..%d", maxResultLimit)
	}
	return limit, nil
}

func requestIDFromContext(ctx context.Context) string {
	if v := ctx.Value(requestIDContextKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type securitiesResponse struct {
	Query      string             `json:"query"`
	Securities []storage.Security `json:"securities"`
}

type flowsResponse struct {
	ISIN  string                 `json:"isin"`
	From  string                 `json:"from"`
	To    string                 `json:"to"`
	Flows []storage.InvestorFlow `json:"flows"`
}

type topChangesResponse struct {
	Date    string              `json:"date"`
	Changes []storage.TopChange `json:"changes"`
}

type listsResponse struct {
	Lists []string `json:"lists"`
}

type listResponse struct {
	Name    string        `json:"name"`
	Entries []lists.Entry `json:"entries"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, errorResponse{Error: message, Details: details})
}

func writeInternalError(w http.ResponseWriter, err error) {
	writeError(w, http.StatusInternalServerError, "Internal error", err.Error())
}
