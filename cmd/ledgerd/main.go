package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jmerrifield20/powledger/internal/api/handler"
	"github.com/jmerrifield20/powledger/internal/node"
)

func main() {
	if err := loadConfig(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var logger *zap.Logger
	if viper.GetBool("log.development") {
		logger, _ = zap.NewDevelopment()
	} else {
		logger, _ = zap.NewProduction()
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("ledgerd exited with error", zap.Error(err))
	}
}

func loadConfig() error {
	viper.SetConfigName("ledgerd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("node.port", 5000)
	viper.SetDefault("node.id", "")
	viper.SetDefault("node.advertise_url", "")
	viper.SetDefault("node.seed_peers", []string{})
	viper.SetDefault("ledger.difficulty", 4)
	viper.SetDefault("ledger.genesis_time", "")
	viper.SetDefault("consensus.peer_timeout", "5s")
	viper.SetDefault("consensus.max_concurrency", 8)
	viper.SetDefault("consensus.peer_max_failures", 3)
	viper.SetDefault("consensus.sync_interval", "0s")
	viper.SetDefault("mining.interval", "0s")
	viper.SetDefault("announce.timeout", "30s")
	viper.SetDefault("announce.max_retries", 3)
	viper.SetDefault("http.cors_origins", []string{"*"})
	viper.SetDefault("http.rate_limit_rps", 20)
	viper.SetDefault("http.max_body_bytes", 1<<20)
	viper.SetDefault("log.development", false)

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

func run(logger *zap.Logger) error {
	port := viper.GetInt("node.port")
	advertise := viper.GetString("node.advertise_url")
	if advertise == "" {
		advertise = fmt.Sprintf("http://localhost:%d", port)
	}

	var genesisTime time.Time
	if s := viper.GetString("ledger.genesis_time"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("ledger.genesis_time: %w", err)
		}
		genesisTime = t
	}

	// ── Node ─────────────────────────────────────────────────────────────────
	n, err := node.New(node.Config{
		ID:                 viper.GetString("node.id"),
		AdvertiseURL:       advertise,
		Difficulty:         viper.GetInt("ledger.difficulty"),
		GenesisTime:        genesisTime,
		PeerTimeout:        viper.GetDuration("consensus.peer_timeout"),
		MaxConcurrency:     viper.GetInt("consensus.max_concurrency"),
		PeerMaxFailures:    viper.GetInt("consensus.peer_max_failures"),
		AnnounceTimeout:    viper.GetDuration("announce.timeout"),
		AnnounceMaxRetries: viper.GetInt("announce.max_retries"),
		MineInterval:       viper.GetDuration("mining.interval"),
		SyncInterval:       viper.GetDuration("consensus.sync_interval"),
	}, logger)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	handler.InstrumentNode(n)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── HTTP Router ───────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handler.NewRouter(ctx, n, handler.RouterConfig{
		CORSOrigins:  viper.GetStringSlice("http.cors_origins"),
		RateLimitRPS: viper.GetInt("http.rate_limit_rps"),
		MaxBodyBytes: viper.GetInt64("http.max_body_bytes"),
	}, logger)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("ledgerd HTTP listening",
			zap.Int("port", port),
			zap.String("advertise_url", advertise),
			zap.String("node_id", n.ID()),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Background: join seed peers, then mining and sync loops ──────────────
	go func() {
		for _, seed := range viper.GetStringSlice("node.seed_peers") {
			if _, err := n.RegisterWith(ctx, seed); err != nil {
				logger.Warn("seed peer registration failed", zap.String("peer", seed), zap.Error(err))
			}
		}
		n.Run(ctx)
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	<-ctx.Done()
	logger.Info("shutting down ledgerd...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	if err := n.Shutdown(shutdownCtx); err != nil {
		logger.Error("announcer shutdown error", zap.Error(err))
	}

	logger.Info("ledgerd stopped")
	return nil
}
