package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	apirest "github.com/R21Digital/Project-MorningStar-sub014/api/rest"
	"github.com/R21Digital/Project-MorningStar-sub014/api/sse"
	apiws "github.com/R21Digital/Project-MorningStar-sub014/api/ws"
	"github.com/R21Digital/Project-MorningStar-sub014/audit"
	"github.com/R21Digital/Project-MorningStar-sub014/cache"
	"github.com/R21Digital/Project-MorningStar-sub014/config"
	dbadapter "github.com/R21Digital/Project-MorningStar-sub014/db"
	"github.com/R21Digital/Project-MorningStar-sub014/logging"
	"github.com/R21Digital/Project-MorningStar-sub014/metrics"
	mw "github.com/R21Digital/Project-MorningStar-sub014/middleware"
	"github.com/R21Digital/Project-MorningStar-sub014/model"
	"github.com/R21Digital/Project-MorningStar-sub014/plugin/hook"
	"github.com/R21Digital/Project-MorningStar-sub014/scheduler"
	"github.com/R21Digital/Project-MorningStar-sub014/script"
	"github.com/R21Digital/Project-MorningStar-sub014/swgdb/feed"
	"github.com/R21Digital/Project-MorningStar-sub014/swgdb/loot"
	"github.com/R21Digital/Project-MorningStar-sub014/swgdb/quest"
	"github.com/R21Digital/Project-MorningStar-sub014/swgdb/session"
	"github.com/R21Digital/Project-MorningStar-sub014/swgdb/vote"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	cfgPath := "config/config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	// SWGDB_* overrides may come from a local .env file.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("env: %v", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ---- Logger ----
	logger, err := logging.New(cfg.Log, cfg.Server.Debug)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	if cfg.Server.AdminKey == "" {
		logger.Warn("server.admin_key is not set; admin endpoints are disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Database ----
	db, err := dbadapter.Open(cfg.Database, logger)
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}
	if err := model.AutoMigrate(db); err != nil {
		logger.Fatal("db migrate failed", zap.Error(err))
	}
	logger.Info("DB initialized", zap.String("mode", cfg.Database.Mode))

	// ---- Audit ----
	auditSvc := audit.New(db, logger)
	defer auditSvc.Stop(context.Background())

	// ---- Cache / PubSub ----
	c, err := cache.NewCache(cfg.Cache)
	if err != nil {
		logger.Fatal("cache init failed", zap.Error(err))
	}
	pubsub, err := cache.NewPubSub(cfg.Cache)
	if err != nil {
		logger.Fatal("pubsub init failed", zap.Error(err))
	}
	logger.Info("Cache initialized", zap.Bool("redis", cfg.Cache.RedisAddr != ""))

	// ---- Shared plumbing ----
	hooks := hook.NewHookCenter(hook.WithLogger(logger))
	m := metrics.New()
	events := feed.New(pubsub, logger)

	sandbox := script.NewSandbox(cfg.Script.VMPoolSize, cfg.Script.Timeout, logger)
	classifier, err := loot.NewClassifier(sandbox, cfg.Loot.CustomRules, logger)
	if err != nil {
		logger.Fatal("loot rules invalid", zap.Error(err))
	}

	var questDefs map[string]*quest.Def
	if cfg.Quest.DefsPath != "" {
		questDefs, err = quest.LoadDefs(cfg.Quest.DefsPath)
		if err != nil {
			logger.Fatal("quest defs load failed", zap.Error(err))
		}
		logger.Info("quest defs loaded", zap.Int("count", len(questDefs)))
	}

	// ---- Services ----
	voteSvc := vote.NewService(db, c, cfg.Vote, hooks, events, m, logger)
	lootSvc := loot.NewService(db, classifier, hooks, events, m, logger)
	questSvc := quest.NewService(db, questDefs, cfg.Quest.HeroicLockout, hooks, events, logger)
	sessionSvc := session.NewService(db, cfg.Session.HeartbeatTimeout, hooks, events, m, logger)

	// ---- WS ----
	registry := apiws.NewRegistry(m, logger)
	wsRouter := apiws.NewRouter(logger)
	apiws.NewTelemetryHandlers(sessionSvc, lootSvc, logger).RegisterHandlers(wsRouter)
	wsH := apiws.NewHandler(c, cfg.Security, registry, wsRouter, hooks, logger)

	// ---- REST handlers ----
	authH := apirest.NewAuthHandler(db, c, cfg.Security)
	authH.SetAudit(auditSvc)
	profileH := apirest.NewProfileHandler(db, auditSvc)
	guildH := apirest.NewGuildHandler(db, auditSvc)
	voteH := apirest.NewVoteHandler(voteSvc, auditSvc)
	lootH := apirest.NewLootHandler(lootSvc)
	questH := apirest.NewQuestHandler(db, questSvc)
	sessionH := apirest.NewSessionHandler(sessionSvc)
	rankH := apirest.NewRankingHandler(db, c, voteSvc, logger)
	rankH.SetAudit(auditSvc)
	profileH.SetRanking(rankH)

	// ---- Scheduler ----
	sched := scheduler.New(logger)
	defer sched.Stop()
	adminH := apirest.NewAdminHandler(db, c, registry, sessionSvc, sched, auditSvc, logger)

	sched.AddTicker("session_reaper", cfg.Session.ReapInterval, func(ctx context.Context) error {
		n, err := sessionSvc.ReapStale(ctx, time.Now())
		if n > 0 {
			logger.Info("stale sessions reaped", zap.Int("count", n))
		}
		return err
	})
	sched.AddTicker("leaderboard_rebuild", cfg.Vote.RebuildInterval, func(ctx context.Context) error {
		if err := voteSvc.Rebuild(ctx); err != nil {
			return err
		}
		_, err := rankH.Refresh(ctx)
		return err
	})
	sched.AddTicker("vote_window_gc", cfg.Vote.RebuildInterval, voteSvc.PruneWindows)
	if err := sched.RunNow("ranking_warmup", func(ctx context.Context) error {
		if err := voteSvc.Rebuild(ctx); err != nil {
			return err
		}
		_, err := rankH.Refresh(ctx)
		return err
	}); err != nil {
		logger.Warn("initial ranking refresh failed", zap.Error(err))
	}

	// ---- Loot log tailer ----
	if cfg.Loot.LogPath != "" {
		tailer := loot.NewTailer(cfg.Loot.LogPath, cfg.Loot.ScanInterval, false,
			func(ctx context.Context, lines []string) error {
				res, err := lootSvc.Ingest(ctx, loot.IngestRequest{
					AccountID: cfg.Loot.AccountID,
					Character: cfg.Loot.Character,
					Lines:     lines,
				})
				if err != nil {
					return err
				}
				if res.Stored > 0 {
					logger.Debug("loot lines ingested", zap.Int("stored", res.Stored), zap.Int("skipped", res.Skipped))
				}
				return nil
			}, logger)
		go func() {
			if err := tailer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("loot tailer stopped", zap.Error(err))
			}
		}()
		logger.Info("Tailing loot log", zap.String("path", cfg.Loot.LogPath))
	}

	// ---- Gin HTTP Server ----
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(mw.TraceID(), mw.Logger(logger), mw.Recovery(logger), mw.Metrics(m))
	r.Use(mw.RateLimit(rate.Limit(cfg.Security.RateLimitRPS), cfg.Security.RateLimitBurst))

	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok", "goroutines": runtime.NumGoroutine()})
	})
	r.GET("/metrics", gin.WrapH(m.Handler()))

	auth := mw.Auth(cfg.Security, c)
	optional := mw.OptionalAuth(cfg.Security, c)

	api := r.Group("/api")
	{
		authG := api.Group("/auth")
		authG.POST("/login", authH.Login)
		authG.POST("/logout", auth, authH.Logout)
		authG.POST("/refresh", auth, authH.Refresh)
		authG.GET("/me", auth, authH.Me)

		profG := api.Group("/profiles")
		profG.GET("", optional, profileH.List)
		profG.GET("/:id", profileH.Get)
		profG.POST("", auth, profileH.Create)
		profG.PUT("/:id", auth, profileH.Update)
		profG.DELETE("/:id", auth, profileH.Delete)

		guildsG := api.Group("/guilds")
		guildsG.GET("", guildH.List)
		guildsG.GET("/:id", guildH.Detail)
		guildsG.Use(auth)
		guildsG.POST("", guildH.Create)
		guildsG.POST("/:id/join", guildH.Join)
		guildsG.POST("/:id/leave", guildH.Leave)
		guildsG.DELETE("/:id/members/:pid", guildH.KickMember)
		guildsG.PUT("/:id/notice", guildH.UpdateNotice)

		votesG := api.Group("/votes", optional)
		votesG.POST("", voteH.Submit)
		votesG.GET("/tally", voteH.Tally)
		votesG.GET("/leaderboard", voteH.Leaderboard)

		lootG := api.Group("/loot", auth)
		lootG.POST("/ingest", lootH.Ingest)
		lootG.POST("", lootH.Create)
		lootG.GET("", lootH.Search)
		lootG.GET("/stats", lootH.Stats)
		lootG.DELETE("/:id", lootH.Delete)

		questG := api.Group("/quests", auth)
		questG.GET("/defs", questH.Defs)
		questG.POST("/start", questH.Start)
		questG.POST("/advance", questH.Advance)
		questG.POST("/abandon", questH.Abandon)
		questG.GET("/progress", questH.Progress)
		questG.POST("/heroic", questH.RecordHeroic)
		questG.GET("/heroic", questH.Lockouts)

		sessG := api.Group("/sessions", auth)
		sessG.POST("", sessionH.Start)
		sessG.GET("", sessionH.List)
		sessG.GET("/summary", sessionH.Summary)
		sessG.GET("/:id", sessionH.Detail)
		sessG.POST("/:id/heartbeat", sessionH.Heartbeat)
		sessG.POST("/:id/events", sessionH.RecordEvent)
		sessG.POST("/:id/end", sessionH.End)

		rankG := api.Group("/ranking")
		rankG.GET("/level", rankH.TopLevel)
		rankG.GET("/voted", rankH.TopVoted)
	}

	// ---- SSE ----
	sseH := sse.NewHandler(pubsub, c, cfg.Security, logger)
	r.GET("/sse", sseH.ServeSSE)

	adminG := api.Group("/admin")
	adminG.Use(mw.IPWhitelist(cfg.Server.AdminIPs), apirest.AdminAuth(cfg.Server.AdminKey))
	adminG.GET("/metrics", adminH.Metrics)
	adminG.GET("/bots", adminH.ListBots)
	adminG.POST("/bots/:id/kick", adminH.KickBot)
	adminG.POST("/accounts/:id/ban", adminH.BanAccount)
	adminG.GET("/scheduler", adminH.ListSchedulerTasks)
	adminG.GET("/audit", adminH.AuditLog)
	adminG.POST("/ranking/refresh", rankH.RefreshRanking)
	adminG.POST("/announce", sseH.Announce)

	// ---- WebSocket ----
	r.GET("/ws/bot", wsH.ServeWS)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("Server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	for _, b := range registry.Snapshot() {
		registry.Kick(b.ConnID)
	}
}
