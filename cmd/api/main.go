package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/paywatch/backend/internal/config"
	"github.com/zhouzirui/paywatch/backend/internal/handler"
	"github.com/zhouzirui/paywatch/backend/internal/relay"
	"github.com/zhouzirui/paywatch/backend/internal/service/audit"
	"github.com/zhouzirui/paywatch/backend/internal/service/review"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	// Audit history: Redis when configured, otherwise process memory
	recorder := newAuditRecorder(ctx, cfg.Audit)
	auditQueue := audit.NewQueue(recorder, 0)
	defer auditQueue.Close()

	// Review notes: heuristics always, LLM refinement when Ark is configured
	var chatModel model.ChatModel
	if cfg.Review.LLMEnabled {
		chatModel, err = cfg.Review.NewChatModel(ctx)
		if err != nil {
			log.Printf("warning: failed to initialize review model: %v", err)
			log.Println("continuing with heuristic review notes - 请检查 Ark 模型相关环境变量")
			chatModel = nil
		}
	}
	reviewSvc, err := review.NewService(ctx, chatModel, review.Config{Enabled: cfg.Review.LLMEnabled})
	if err != nil {
		log.Fatalf("failed to initialize review service: %v", err)
	}
	if reviewSvc.Enabled() {
		log.Println("Review LLM enabled")
	} else {
		log.Println("Review notes use heuristics only")
	}

	hub := relay.NewHub(relay.Config{
		PresenceTTL:          cfg.Relay.PresenceTTL,
		SweepInterval:        cfg.Relay.SweepInterval,
		DecisionTimeout:      cfg.Relay.DecisionTimeout,
		TransactionRetention: cfg.Relay.TransactionRetention,
	}, relay.WithAudit(auditQueue), relay.WithReviewer(reviewSvc))

	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		if err := hub.Run(ctx); err != nil {
			log.Printf("relay hub stopped: %v", err)
		}
	}()

	router := handler.NewRouter(handler.Options{
		Hub:            hub,
		History:        auditQueue,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		SinkQueueSize:  cfg.Relay.SinkQueueSize,
	})

	startServer(ctx, cfg.Server, router)
	<-hubDone
}

func newAuditRecorder(ctx context.Context, cfg config.AuditConfig) audit.Recorder {
	if !cfg.UseRedis() {
		log.Println("REDIS_ADDR 未配置，交易历史保存在内存中")
		return audit.NewMemoryRecorder(cfg.HistoryLimit)
	}

	client, err := audit.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Printf("warning: redis unavailable at %s: %v", cfg.RedisAddr, err)
		log.Println("continuing with in-memory audit history")
		return audit.NewMemoryRecorder(cfg.HistoryLimit)
	}
	log.Printf("Audit history stored in redis at %s", cfg.RedisAddr)
	return audit.NewRedisRecorder(client, cfg.HistoryLimit, cfg.TTL)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("Paywatch relay listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
