package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"cofradia.org/internal/audit"
	"cofradia.org/internal/auth"
	"cofradia.org/internal/config"
	"cofradia.org/internal/httpapi"
	"cofradia.org/internal/mail"
	"cofradia.org/internal/obs"
	"cofradia.org/internal/session"
	"cofradia.org/internal/store/pg"
	"cofradia.org/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("COFRADIA_CONFIG"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Database.DSN == "" {
		log.Fatal("missing DSN: set database.dsn or COFRADIA_PG_DSN")
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)
	metrics := obs.NewAuthMetrics(prometheus.DefaultRegisterer)

	store, err := pg.Open(cfg.Database.DSN, pg.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime(),
		ConnMaxIdleTime: cfg.ConnMaxIdleTime(),
	})
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	startCtx, cancelStart := context.WithTimeout(context.Background(), 10*time.Second)
	if err := store.Ping(startCtx); err != nil {
		log.Fatalf("ping db: %v", err)
	}
	if err := auth.CheckRoleTable(startCtx, store); err != nil {
		log.Fatalf("role table: %v (run `migrate up`)", err)
	}
	cancelStart()

	var (
		sessions      auth.SessionStore
		sessionPinger httpapi.Pinger
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		rs := session.NewRedis(rdb)
		sessions, sessionPinger = rs, rs
	} else {
		obs.LogEntry("warn", "sessions_in_memory", map[string]any{"reason": "redis.addr is empty"})
		sessions = session.NewMemory(time.Now)
	}

	mailer, closeMailer, err := buildMailer(cfg)
	if err != nil {
		log.Fatalf("mail: %v", err)
	}
	defer closeMailer()

	events := stream.New()
	recorder := audit.NewRecorder(store, events)

	opts := []auth.Option{
		auth.WithPolicy(cfg.Policy()),
		auth.WithActivityRecorder(recorder),
		auth.WithMetrics(metrics),
		auth.WithResetLink(cfg.App.BaseURL, cfg.App.Name),
	}
	if cfg.Security.RememberSecret != "" {
		rt, err := auth.NewRememberTokens(cfg.Security.RememberSecret, time.Now)
		if err != nil {
			log.Fatalf("remember tokens: %v", err)
		}
		opts = append(opts, auth.WithRememberTokens(rt))
	}

	login, err := auth.NewLoginManager(store, sessions, opts...)
	if err != nil {
		log.Fatalf("login manager: %v", err)
	}
	resets, err := auth.NewResetManager(store, store, mailer, opts...)
	if err != nil {
		log.Fatalf("reset manager: %v", err)
	}
	users, err := auth.NewUserManager(store, recorder, opts...)
	if err != nil {
		log.Fatalf("user manager: %v", err)
	}
	perms, err := auth.NewPermissionManager(store, store, opts...)
	if err != nil {
		log.Fatalf("permission manager: %v", err)
	}

	probe := httpapi.ReadyProbe{DB: store, Sessions: sessionPinger}
	api, err := httpapi.New(httpapi.Services{
		Login:       login,
		Resets:      resets,
		Users:       users,
		Permissions: perms,
		Activity:    events,
	}, httpapi.Options{
		Version:           version,
		Ready:             probe,
		AllowedOrigins:    cfg.HTTP.AllowedOrigins,
		AllowLocalOrigins: cfg.HTTP.AllowLocalOrigins,
		TrustedProxies:    cfg.TrustedProxies(),
		SecureCookies:     cfg.HTTP.SecureCookies,
		RateLimit:         cfg.HTTP.RateLimit,
		RateBurst:         cfg.HTTP.RateBurst,
	})
	if err != nil {
		log.Fatalf("http api: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.ReadTimeout(),
		ReadHeaderTimeout: cfg.ReadTimeout(),
		WriteTimeout:      cfg.WriteTimeout(),
		IdleTimeout:       cfg.IdleTimeout(),
	}

	grpcSrv, _ := httpapi.NewGRPCServer(probe)
	if cfg.HTTP.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.HTTP.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		go func() {
			if err := grpcSrv.Serve(lis); err != nil {
				obs.LogEntry("error", "grpc_serve_failed", map[string]any{"error": err.Error()})
			}
		}()
	}

	obs.LogEntry("info", "starting", map[string]any{
		"service":   "cofradia-api",
		"version":   version,
		"addr":      srv.Addr,
		"grpc_addr": cfg.HTTP.GRPCAddr,
		"mail":      cfg.Mail.Transport,
	})

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	obs.LogEntry("info", "shutting_down", nil)
	obs.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		obs.LogEntry("error", "http_shutdown_failed", map[string]any{"error": err.Error()})
	}
	grpcSrv.GracefulStop()
	obs.LogEntry("info", "stopped", nil)
}

// buildMailer selects the outbound transport. The returned func releases it.
func buildMailer(cfg *config.Config) (auth.Mailer, func(), error) {
	switch cfg.Mail.Transport {
	case config.TransportSMTP:
		m, err := mail.NewSMTP(mail.SMTPConfig{
			Host:     cfg.Mail.SMTP.Host,
			Port:     cfg.Mail.SMTP.Port,
			Username: cfg.Mail.SMTP.Username,
			Password: cfg.Mail.SMTP.Password,
			From:     cfg.Mail.From,
		})
		return m, func() {}, err
	case config.TransportNATS:
		nc, err := mail.Connect(cfg.Mail.NATS.URL)
		if err != nil {
			return nil, nil, err
		}
		return mail.NewNATS(nc, cfg.Mail.NATS.Subject, cfg.NATSTimeout()), func() { _ = nc.Drain() }, nil
	default:
		return mail.Log{}, func() {}, nil
	}
}
