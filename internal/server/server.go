package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/deepresearch/config"
	"github.com/mohammad-safakhou/deepresearch/internal/discovery"
	"github.com/mohammad-safakhou/deepresearch/internal/llm"
	"github.com/mohammad-safakhou/deepresearch/internal/ratelimit"
	"github.com/mohammad-safakhou/deepresearch/internal/research"
	"github.com/mohammad-safakhou/deepresearch/internal/store"
)

// Run wires the service together and serves HTTP until the listener
// stops.
func Run(cfg *config.Config) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}

	origins := cfg.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	ctx := context.Background()

	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return err
	}
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	var runCache *store.RunCache
	if cfg.Storage.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr, err)
		}
		runCache = store.NewRunCache(rdb, cfg.Storage.Redis.RunTTL)
	}

	providers, err := llm.BuildProviders(cfg.LLM)
	if err != nil {
		return err
	}
	registry := ratelimit.NewRegistry()
	invoker := llm.NewInvoker(registry, providers, cfg.LLM, cfg.Research.MaxAttempts,
		log.New(log.Writer(), "[LLM] ", log.LstdFlags))

	disc := discovery.NewService(cfg.Search, log.New(log.Writer(), "[DISCOVERY] ", log.LstdFlags))
	toolset := research.NewToolset(disc)

	subagent := research.NewSubagent(invoker, cfg.LLM.Routing.Subagent, toolset,
		cfg.Research.MaxToolRounds, log.New(log.Writer(), "[SUBAGENT] ", log.LstdFlags))
	stabilizer := research.NewStabilizer(invoker, cfg.LLM.Routing.Citation,
		log.New(log.Writer(), "[CITATION] ", log.LstdFlags))
	pool := research.NewWorkerPool(subagent, stabilizer,
		cfg.Research.MaxSubagents, cfg.Research.SubagentConcurrency, cfg.Research.SubagentTimeout,
		log.New(log.Writer(), "[POOL] ", log.LstdFlags))
	lead := research.NewLead(invoker, cfg.LLM.Routing.Lead, pool, st,
		cfg.Research.MaxRounds, log.New(log.Writer(), "[LEAD] ", log.LstdFlags))

	api := e.Group("/api")

	auth := &AuthHandler{Config: cfg.Server}
	auth.Register(api.Group("/auth"))

	protect := func(g *echo.Group) {
		if cfg.Server.AuthEnabled {
			g.Use(EchoAuthMiddleware([]byte(cfg.Server.JWTSecret)))
		}
	}

	rh := &ResearchHandler{
		Lead:     lead,
		Store:    st,
		RunCache: runCache,
		Config:   cfg,
		Logger:   log.New(log.Writer(), "[RESEARCH] ", log.LstdFlags),
	}
	researchGroup := api.Group("/research")
	protect(researchGroup)
	rh.Register(researchGroup)

	ch := &ConversationsHandler{Store: st}
	convGroup := api.Group("/conversations")
	protect(convGroup)
	ch.Register(convGroup)

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":8080"
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
