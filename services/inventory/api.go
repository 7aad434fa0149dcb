package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	defaultPageSize  = 100
	maxPageSize      = 1000
	presignURLExpiry = 15 * time.Minute
)

type nodeReader interface {
	ListNodes(ctx context.Context, limit, offset int) ([]Node, error)
	GetNode(ctx context.Context, hardwareUUID string) (Node, error)
	LatestArchiveKey(ctx context.Context, hardwareUUID string) (string, time.Time, error)
}

// Presigner issues time-limited download URLs for archived snapshots.
type Presigner interface {
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// APIConfig controls the query API.
type APIConfig struct {
	// ArchiveBucket is where snapshot archives live. Archive lookups answer
	// 404 when it or the presigner is unset.
	ArchiveBucket string
	PresignExpiry time.Duration
}

// API serves read-only views of recorded nodes.
type API struct {
	nodes     nodeReader
	presigner Presigner
	config    APIConfig
}

// NewAPI builds the query API over store. presigner may be nil.
func NewAPI(store *Store, presigner Presigner, cfg APIConfig) (*API, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if store.ORM == nil {
		return nil, errors.New("store ORM is required")
	}
	return newAPI(store, presigner, cfg), nil
}

func newAPI(nodes nodeReader, presigner Presigner, cfg APIConfig) *API {
	if cfg.PresignExpiry <= 0 {
		cfg.PresignExpiry = presignURLExpiry
	}
	return &API{nodes: nodes, presigner: presigner, config: cfg}
}

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/v1/nodes", func(r chi.Router) {
		r.Get("/", a.handleListNodes)
		r.Get("/{uuid}", a.handleGetNode)
		r.Get("/{uuid}/archive", a.handleArchive)
	})

	return r, nil
}

func (a *API) handleListNodes(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil || limit <= 0 || limit > maxPageSize {
		respondError(w, http.StatusBadRequest, errors.New("limit must be between 1 and 1000"))
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		respondError(w, http.StatusBadRequest, errors.New("offset must be a non-negative integer"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	nodes, err := a.nodes.ListNodes(ctx, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"nodes": nodes})
}

func (a *API) handleGetNode(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	node, err := a.nodes.GetNode(ctx, chi.URLParam(r, "uuid"))
	switch {
	case errors.Is(err, ErrNotFound):
		respondError(w, http.StatusNotFound, errors.New("node not found"))
	case err != nil:
		respondError(w, http.StatusInternalServerError, err)
	default:
		respondJSON(w, http.StatusOK, map[string]any{"node": node})
	}
}

func (a *API) handleArchive(w http.ResponseWriter, r *http.Request) {
	if a.presigner == nil || a.config.ArchiveBucket == "" {
		respondError(w, http.StatusNotFound, errors.New("archiving is not configured"))
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	key, receivedAt, err := a.nodes.LatestArchiveKey(ctx, chi.URLParam(r, "uuid"))
	switch {
	case errors.Is(err, ErrNotFound):
		respondError(w, http.StatusNotFound, errors.New("no archived snapshot"))
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	url, err := a.presigner.PresignGet(ctx, a.config.ArchiveBucket, key, a.config.PresignExpiry)
	if err != nil {
		respondError(w, http.StatusBadGateway, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"url":         url,
		"key":         key,
		"received_at": receivedAt,
		"expires_in":  int(a.config.PresignExpiry.Seconds()),
	})
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 5*time.Second)
}
