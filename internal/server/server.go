// Package server provides the HTTP API for lexsub.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/hyperjump/lexsub/internal/config"
	"github.com/hyperjump/lexsub/internal/embedding"
	"github.com/hyperjump/lexsub/internal/pipeline"
	"github.com/hyperjump/lexsub/internal/storage"
	"github.com/hyperjump/lexsub/internal/vocab"
)

// serving is one generation of loaded inputs. Requests hold a reference
// while they use it; a replaced generation closes its vocabulary index after
// the last reference is released.
type serving struct {
	gen     uint64
	driver  *pipeline.Driver
	table   *embedding.Table
	vocab   *vocab.Index
	refs    sync.WaitGroup
	retired chan struct{}
}

func (st *serving) release() { st.refs.Done() }

// Server is the HTTP server for the lexsub API.
type Server struct {
	mu      sync.RWMutex
	live    *serving
	storage storage.Storage
	config  *config.Config
	logger  *zap.Logger
	cache   *cache.Cache
	server  *http.Server
}

// NewServer creates a server with the given dependencies. vocabIdx and store
// may be nil; their endpoints then answer 501.
func NewServer(
	driver *pipeline.Driver,
	table *embedding.Table,
	vocabIdx *vocab.Index,
	store storage.Storage,
	cfg *config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		live:    newServing(0, driver, table, vocabIdx),
		storage: store,
		config:  cfg,
		logger:  logger,
		cache:   cache.New(cfg.Cache.TTL, cfg.Cache.CleanupInterval),
	}
}

func newServing(gen uint64, driver *pipeline.Driver, table *embedding.Table, vocabIdx *vocab.Index) *serving {
	return &serving{gen: gen, driver: driver, table: table, vocab: vocabIdx, retired: make(chan struct{})}
}

// Swap replaces the driver and table after the inputs were reloaded, and
// drops cached responses. Requests already running keep the generation they
// started with; responses they cache are keyed by that generation and never
// served again.
func (s *Server) Swap(driver *pipeline.Driver, table *embedding.Table, vocabIdx *vocab.Index) {
	s.mu.Lock()
	old := s.live
	s.live = newServing(old.gen+1, driver, table, vocabIdx)
	s.mu.Unlock()
	s.cache.Flush()
	go func() {
		old.refs.Wait()
		if old.vocab != nil && old.vocab != vocabIdx {
			_ = old.vocab.Close()
		}
		close(old.retired)
	}()
	s.logger.Info("pipeline swapped", zap.Uint64("generation", old.gen+1), zap.Int("words", table.Len()))
}

// acquire returns the live generation with a reference held; callers must
// release it.
func (s *Server) acquire() *serving {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.live
	st.refs.Add(1)
	return st
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Compress(5))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/substitutes", s.handleSubstitutes)
		r.Get("/vocabulary", s.handleVocabulary)
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Delete("/runs/{id}", s.handleDeleteRun)
		r.Get("/status", s.handleStatus)
	})
	r.Get("/health", s.handleHealth)
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
