package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	platformerrors "github.com/jmgilman/go/errors"

	"lupo/client/internal/portfolio"
	"lupo/client/internal/util"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *slog.Logger
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: service.logger}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	read := r.Method == http.MethodGet || r.Method == http.MethodHead

	if read && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if read && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		ready, checks := s.service.Ready(ctx)
		status := "ready"
		statusCode := http.StatusOK
		if !ready {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     ready,
			"status": status,
			"checks": checks,
		})
		return
	}

	if read && r.URL.Path == "/api/state" {
		writeJSON(w, http.StatusOK, map[string]any{
			"version": s.service.Version(),
			"state":   s.service.State(r.URL.Query().Get("path")),
		})
		return
	}

	if read && r.URL.Path == "/api/state/query" {
		result, err := s.service.Query(r.URL.Query().Get("q"))
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"result": result})
		return
	}

	if read && r.URL.Path == "/api/history" {
		limit := 0
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a non-negative integer", nil)
				return
			}
			limit = n
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": s.service.History(limit)})
		return
	}

	if read && r.URL.Path == "/api/cache/stats" {
		writeJSON(w, http.StatusOK, s.service.CacheStats())
		return
	}

	if read && r.URL.Path == "/api/sync" {
		writeJSON(w, http.StatusOK, map[string]any{"services": s.service.Services()})
		return
	}

	if read && r.URL.Path == "/api/portfolio" {
		snap, err := s.service.Portfolio(r.Context())
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"portfolio": snap.StateValue()})
		return
	}

	if read && r.URL.Path == "/api/market/quotes" {
		quotes, err := s.service.Quotes(r.Context(), strings.Split(r.URL.Query().Get("symbols"), ","))
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		out := make(map[string]any, len(quotes))
		for symbol, quote := range quotes {
			out[symbol] = quote.StateValue()
		}
		writeJSON(w, http.StatusOK, map[string]any{"quotes": out})
		return
	}

	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}
	if !s.service.Authorized(bearerToken(r)) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	parts := splitPath(r.URL.Path)
	post := r.Method == http.MethodPost
	switch {
	case post && r.URL.Path == "/api/trades":
		var trade portfolio.Trade
		if err := decodeBody(r, &trade); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		result, err := s.service.Trade(r.Context(), trade)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	case post && r.URL.Path == "/api/market/watchlist":
		var body struct {
			Symbol string `json:"symbol"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		s.writeWatchlist(w, r, s.service.Watch, body.Symbol)
	case !post && len(parts) == 4 && parts[0] == "api" && parts[1] == "market" && parts[2] == "watchlist":
		s.writeWatchlist(w, r, s.service.Unwatch, parts[3])
	case !post:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	case len(parts) == 3 && parts[0] == "api" && parts[1] == "cache" && (parts[2] == "backup" || parts[2] == "restore"):
		s.handleBulk(w, r, parts[2])
	case len(parts) == 3 && parts[0] == "api" && parts[1] == "sync":
		if err := s.service.Sync(r.Context(), parts[2]); err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "service": parts[2]})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) writeWatchlist(w http.ResponseWriter, r *http.Request, op func(context.Context, string) ([]string, error), symbol string) {
	list, err := op(r.Context(), symbol)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	if list == nil {
		list = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"watchlist": list})
}

func (s *HTTPServer) handleBulk(w http.ResponseWriter, r *http.Request, op string) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
		return
	}

	run := s.service.Backup
	if op == "restore" {
		run = s.service.Restore
	}
	result, err := run(r.Context(), body.Name)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}

	failed := make(map[string]string, len(result.Failed))
	for key, ferr := range result.Failed {
		failed[key] = ferr.Error()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":      body.Name,
		"succeeded": result.Succeeded,
		"failed":    failed,
	})
}

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "request_id", requestID(r.Context()), "path", r.URL.Path, "error", err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = util.NewID("req")
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", id)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	c := platformerrors.GetCode(err)
	switch c {
	case platformerrors.CodeNotFound:
		return http.StatusNotFound, string(c), err.Error(), nil
	case platformerrors.CodeInvalidInput:
		return http.StatusBadRequest, string(c), err.Error(), nil
	case platformerrors.CodeUnauthorized:
		return http.StatusUnauthorized, string(c), "Unauthorized", nil
	case platformerrors.CodeRateLimit:
		return http.StatusTooManyRequests, string(c), err.Error(), nil
	case platformerrors.CodeNetwork, platformerrors.CodeDatabase, platformerrors.CodeUnavailable, platformerrors.CodeTimeout:
		return http.StatusServiceUnavailable, string(c), "Dependency unavailable", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
