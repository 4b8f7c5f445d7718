package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"sodiumcore/core/events"
	"sodiumcore/crypto"
	nativecommon "sodiumcore/native/common"
	"sodiumcore/native/contribution"
	"sodiumcore/native/lifecycle"
	"sodiumcore/native/loans"
	"sodiumcore/observability"
	"sodiumcore/observability/logging"
	telemetry "sodiumcore/observability/otel"
	"sodiumcore/services/lendingd/config"
	"sodiumcore/services/lendingd/journal"
	"sodiumcore/services/lendingd/lock"
	"sodiumcore/services/lendingd/server"
	"sodiumcore/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/lendingd/config.yaml", "path to lendingd config")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		slog.Error("lendingd exited", "error", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env := strings.TrimSpace(os.Getenv("SODIUM_ENV"))
	logger, logCloser := logging.Configure(logging.Options{
		Service: "lendingd",
		Env:     env,
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
	})
	defer logCloser.Close()

	cfg.Telemetry.ServiceName = "lendingd"
	cfg.Telemetry.Environment = env
	shutdownTelemetry, err := telemetry.Init(context.Background(), cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	domain, params, err := cfg.Protocol.Resolve()
	if err != nil {
		return fmt.Errorf("protocol: %w", err)
	}
	codec, err := contribution.NewCodec(domain)
	if err != nil {
		return fmt.Errorf("protocol domain: %w", err)
	}

	var db storage.Database
	if cfg.Storage.Path == "" {
		logger.Warn("no storage path configured, loans are kept in memory")
		db = storage.NewMemDB()
	} else {
		db, err = openLedgerStore(cfg.Storage)
		if err != nil {
			return fmt.Errorf("open ledger store: %w", err)
		}
	}
	defer db.Close()

	ledger, err := loans.NewLedger(loans.NewStore(db), codec, params)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer client.Close()
		locker, err := lock.NewRedis(client, lock.Options{Prefix: cfg.Redis.Prefix, TTL: cfg.Redis.LockTTL}, logger)
		if err != nil {
			return fmt.Errorf("redis lock: %w", err)
		}
		ledger.SetLocker(locker)
		logger.Info("distributed loan lock enabled", "addr", cfg.Redis.Addr)
	}

	gormDB, err := journal.Open(cfg.Journal.Driver, cfg.Journal.DSN)
	if err != nil {
		return err
	}
	if sqlDB, err := gormDB.DB(); err == nil {
		defer sqlDB.Close()
	}
	j := journal.New(gormDB, logger)
	outbox := journal.NewOutbox(gormDB)
	custody := journal.NewCustody(gormDB)

	var permissions lifecycle.Permissions
	if cfg.Permissions.Enforce {
		grants := journal.NewGrants(gormDB)
		for _, g := range cfg.Permissions.Grants {
			account, target, selector, err := g.Resolve()
			if err != nil {
				return fmt.Errorf("permissions: %w", err)
			}
			if err := grants.Allow(context.Background(), account, target, selector); err != nil {
				return fmt.Errorf("seed grant: %w", err)
			}
		}
		permissions = grants
	}

	pauses := nativecommon.NewPauses()
	engine, err := lifecycle.NewEngine(lifecycle.Config{
		Ledger:             ledger,
		Custody:            custody,
		Settlement:         outbox,
		Permissions:        permissions,
		Pauses:             pauses,
		Emitter:            events.Fanout{j, observability.Events()},
		Logger:             logger,
		Treasury:           cfg.Protocol.TreasuryAddress(),
		SettlementContract: cfg.Protocol.SettlementAddress(),
	})
	if err != nil {
		return err
	}

	var attestor *lifecycle.Attestor
	if cfg.Validator.Keystore != "" {
		key, err := crypto.LoadSigningKey(cfg.Validator.Keystore, cfg.Validator.PassphraseFile, cfg.Validator.PassphraseEnv)
		if err != nil {
			return fmt.Errorf("validator key: %w", err)
		}
		attestor, err = lifecycle.NewAttestor(engine, contribution.NewKeySigner(key), cfg.Validator.TTL)
		if err != nil {
			return err
		}
		logger.Info("validator attestation enabled", "validator", params.Validator.Hex())
	}

	srv, err := server.New(server.Config{
		Engine:    engine,
		Journal:   j,
		Outbox:    outbox,
		Custody:   custody,
		Pauses:    pauses,
		Attestor:  attestor,
		Auth:      cfg.Auth,
		RateLimit: cfg.RateLimit,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddress, err)
	}
	tlsCfg, err := loadServerTLS(cfg.TLS)
	if err != nil {
		return fmt.Errorf("configure tls: %w", err)
	}
	if tlsCfg == nil {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !strings.EqualFold(env, "dev") && !loopback {
			return errors.New("plaintext lendingd mode is restricted to loopback listeners or dev environment")
		}
		logger.Warn("serving without tls")
	} else {
		listener = tls.NewListener(listener, tlsCfg)
	}

	httpServer := &http.Server{
		Handler:           otelhttp.NewHandler(srv.Handler(), "lendingd"),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("lendingd listening", "addr", cfg.ListenAddress, "verifying_contract", domain.VerifyingContract.Hex())
		serverErr <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forcing server stop", "error", err)
			_ = httpServer.Close()
		}
		return nil
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	}
}

func openLedgerStore(cfg config.StorageConfig) (storage.Database, error) {
	if cfg.Engine == "bolt" {
		return storage.NewBoltDB(cfg.Path)
	}
	return storage.NewLevelDB(cfg.Path)
}

func loadServerTLS(cfg config.TLSConfig) (*tls.Config, error) {
	if cfg.CertPath == "" || cfg.KeyPath == "" {
		if cfg.AllowInsecure {
			return nil, nil
		}
		return nil, fmt.Errorf("tls credentials are required")
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}
	tlsCfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	if cfg.ClientCAPath != "" {
		pem, err := os.ReadFile(cfg.ClientCAPath)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse client ca: invalid pem data")
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsCfg, nil
}
