package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/buybox-queue/internal/queue"
)

const (
	defaultResultsLimit = 50
	maxResultsLimit     = 500
	resultsTimeout      = 3 * time.Second
)

// ResultsHandler exposes read-only access to extractor output.
type ResultsHandler struct {
	results queue.ResultStore
	timeout time.Duration
	logger  *zap.Logger
}

// NewResultsHandler wires the store and logger. results may be nil, in which
// case every route answers 503.
func NewResultsHandler(results queue.ResultStore, logger *zap.Logger) *ResultsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResultsHandler{
		results: results,
		timeout: resultsTimeout,
		logger:  logger,
	}
}

// ListResults handles GET /v1/results?limit=&offset=&buy_box=. Results are
// newest first. It returns {"results": [...], "total": n}, 400 for invalid
// query parameters, or 500 if the store fails.
func (h *ResultsHandler) ListResults(w http.ResponseWriter, r *http.Request) {
	if h.results == nil {
		writeError(w, http.StatusServiceUnavailable, "result store unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultResultsLimit, maxResultsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	buyBox, err := parseOptionalBool(r.URL.Query().Get("buy_box"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid buy_box")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	all, err := h.results.ListResults(ctx)
	if err != nil {
		h.logger.Error("list results failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list results")
		return
	}
	filtered := all[:0:0]
	for _, res := range all {
		if buyBox != nil && res.HasBuyBox != *buyBox {
			continue
		}
		filtered = append(filtered, res)
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].ExtractedAt.After(filtered[j].ExtractedAt)
	})
	total := len(filtered)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": filtered[offset:end],
		"total":   total,
	})
}

// GetResult handles GET /v1/results/lookup?target=<url>. It returns
// {"result": {...}}, 400 without a target, or 404 when nothing was stored.
func (h *ResultsHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	if h.results == nil {
		writeError(w, http.StatusServiceUnavailable, "result store unavailable")
		return
	}
	target := strings.TrimSpace(r.URL.Query().Get("target"))
	if target == "" {
		writeError(w, http.StatusBadRequest, "target is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	res, err := h.results.GetResult(ctx, target)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			writeError(w, http.StatusNotFound, "result not found")
			return
		}
		h.logger.Error("get result failed", zap.String("target", target), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load result")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": res})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseOptionalBool(raw string) (*bool, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
