// Package api exposes a read-only stats/admin HTTP surface over a
// running cluster of pools, generalized from the teacher's single-coin
// Redis-backed REST API to the new multi-pool ClusterConfig model.
// Payout/balance endpoints are dropped with the payment-processing
// Non-goal; hashrate and session counts come straight from the pools
// and the persistence boundary, not from a payout ledger.
package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/corepool/stratumd/internal/config"
	"github.com/corepool/stratumd/internal/log"
)

// PoolStatusProvider is the narrow surface the API needs from a running
// pool.Pool: live session/authorization/ban counts. Kept as an
// interface so this package does not import internal/pool.
type PoolStatusProvider interface {
	SessionCount() int
	AuthorizedCount() int
	BanCount() int
}

// HashrateSource reports a pool's recent hashrate, satisfied by
// internal/storage.Client.
type HashrateSource interface {
	Hashrate(poolID string) (float64, error)
}

// Server is the cluster's stats/admin HTTP surface.
type Server struct {
	cfg      config.APIConfig
	router   *gin.Engine
	server   *http.Server
	hashrate HashrateSource

	poolsMu sync.RWMutex
	pools   map[string]PoolStatusProvider

	cacheMu   sync.RWMutex
	cache     map[string]poolStatsResponse
	cacheTime time.Time
}

type poolStatsResponse struct {
	PoolID           string  `json:"pool_id"`
	Sessions         int     `json:"sessions"`
	AuthorizedMiners int     `json:"authorized_miners"`
	BannedAddresses  int     `json:"banned_addresses"`
	Hashrate         float64 `json:"hashrate"`
}

// NewServer constructs a Server; hashrate may be nil if no persistence
// boundary is configured, in which case stats report a zero hashrate.
func NewServer(cfg config.APIConfig, hashrate HashrateSource) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:      cfg,
		router:   router,
		hashrate: hashrate,
		pools:    make(map[string]PoolStatusProvider),
	}
	s.setupRoutes()
	return s
}

// RegisterPool makes a pool visible to the /api/pools endpoints.
func (s *Server) RegisterPool(poolID string, p PoolStatusProvider) {
	s.poolsMu.Lock()
	defer s.poolsMu.Unlock()
	s.pools[poolID] = p
}

func (s *Server) setupRoutes() {
	s.router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	public := s.router.Group("/api")
	{
		public.GET("/pools", s.handleListPools)
		public.GET("/pools/:id/stats", s.handlePoolStats)
	}

	if s.cfg.AdminToken != "" {
		admin := s.router.Group("/admin")
		admin.Use(s.adminAuthMiddleware())
		admin.GET("/pools", s.handleListPools)
	}
}

// Start begins serving on cfg.Bind.
func (s *Server) Start() error {
	s.server = &http.Server{Addr: s.cfg.Bind, Handler: s.router}
	log.Infof("api: listening on %s", s.cfg.Bind)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("api: server error: %v", err)
		}
	}()
	return nil
}

// Stop shuts the HTTP server down.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	return s.server.Close()
}

func (s *Server) handleListPools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pools": s.snapshot()})
}

func (s *Server) handlePoolStats(c *gin.Context) {
	id := c.Param("id")
	for _, stat := range s.snapshot() {
		if stat.PoolID == id {
			c.JSON(http.StatusOK, stat)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "unknown pool"})
}

// snapshot assembles one poolStatsResponse per registered pool,
// refreshing hashrate at most once per cfg.StatsCache interval since
// it is the one field here backed by a network round trip to Redis.
func (s *Server) snapshot() []poolStatsResponse {
	s.cacheMu.RLock()
	fresh := s.cache != nil && time.Since(s.cacheTime) < s.cfg.StatsCache
	cache := s.cache
	s.cacheMu.RUnlock()

	s.poolsMu.RLock()
	defer s.poolsMu.RUnlock()

	out := make([]poolStatsResponse, 0, len(s.pools))
	for id, p := range s.pools {
		stat := poolStatsResponse{
			PoolID:           id,
			Sessions:         p.SessionCount(),
			AuthorizedMiners: p.AuthorizedCount(),
			BannedAddresses:  p.BanCount(),
		}
		if fresh {
			stat.Hashrate = cache[id].Hashrate
		} else if s.hashrate != nil {
			rate, err := s.hashrate.Hashrate(id)
			if err != nil {
				log.Warnf("api: failed to read hashrate for pool %s: %v", id, err)
			}
			stat.Hashrate = rate
		}
		out = append(out, stat)
	}

	if !fresh {
		s.cacheMu.Lock()
		byID := make(map[string]poolStatsResponse, len(out))
		for _, stat := range out {
			byID[stat.PoolID] = stat
		}
		s.cache = byID
		s.cacheTime = time.Now()
		s.cacheMu.Unlock()
	}

	return out
}

func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token != "Bearer "+s.cfg.AdminToken {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
