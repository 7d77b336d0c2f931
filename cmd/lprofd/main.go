// Command lprofd is the fleet dashboard server. It loads a YAML
// configuration file, opens the Postgres event/node store and the
// hash-chained audit log, starts the mTLS gRPC fleet-ingestion service and
// the REST query API, and shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/lprof/lprof/internal/audit"
	"github.com/lprof/lprof/internal/config"
	"github.com/lprof/lprof/internal/dashboard/fleetgrpc"
	"github.com/lprof/lprof/internal/dashboard/restapi"
	"github.com/lprof/lprof/internal/dashboard/storage"
	"github.com/lprof/lprof/internal/dashboard/wshub"
	"github.com/lprof/lprof/internal/fleetpb"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "lprofd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("lprofd", flag.ExitOnError)
	configPath := fs.String("config", "/etc/lprof/dashboard.yaml", "path to the dashboard YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadDashboardConfig(*configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("lprof dashboard starting",
		slog.String("grpc_addr", cfg.GRPCAddr),
		slog.String("rest_addr", cfg.RESTAddr),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.New(ctx, cfg.PostgresDSN, 0, 0)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	auditLog, err := audit.Open(cfg.AuditLogPath)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()

	hub := wshub.NewBroadcaster(logger, 0)
	defer hub.Close()

	fleetSrv := fleetgrpc.NewServer(store, auditLog, hub, logger)

	serverCreds, err := loadServerTLSCredentials(cfg.TLS)
	if err != nil {
		return fmt.Errorf("load gRPC TLS credentials: %w", err)
	}
	grpcSrv := grpc.NewServer(grpc.Creds(serverCreds), fleetpb.ServerOption())
	fleetpb.RegisterFleetServiceServer(grpcSrv, fleetSrv)

	var pubKey *rsa.PublicKey
	if cfg.JWTPublicKeyPath != "" {
		raw, err := os.ReadFile(cfg.JWTPublicKeyPath)
		if err != nil {
			return fmt.Errorf("read JWT public key: %w", err)
		}
		pubKey, err = parseRSAPublicKey(raw)
		if err != nil {
			return fmt.Errorf("parse JWT public key: %w", err)
		}
		logger.Info("JWT validation enabled")
	} else {
		logger.Warn("jwt_public_key_path not configured; REST API authentication disabled (dev mode)")
	}

	restSrv := restapi.NewServer(store, cfg.AuditLogPath)
	mux := http.NewServeMux()
	mux.Handle("/", restapi.NewRouter(restSrv, pubKey))
	mux.Handle("/ws/experiments", wshub.NewHandler(hub, logger))

	httpServer := &http.Server{
		Addr:         cfg.RESTAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	grpcErrCh := make(chan error, 1)
	go func() {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			grpcErrCh <- fmt.Errorf("gRPC listen: %w", err)
			return
		}
		logger.Info("gRPC fleet service listening", slog.String("addr", cfg.GRPCAddr))
		if err := grpcSrv.Serve(lis); err != nil {
			grpcErrCh <- fmt.Errorf("gRPC serve: %w", err)
		}
		close(grpcErrCh)
	}()

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("REST API listening", slog.String("addr", cfg.RESTAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- fmt.Errorf("HTTP serve: %w", err)
		}
		close(httpErrCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-grpcErrCh:
		if err != nil {
			logger.Error("gRPC server error", slog.Any("error", err))
		}
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("HTTP server error", slog.Any("error", err))
		}
	}

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown error", slog.Any("error", err))
	}

	stopped := make(chan struct{})
	go func() {
		grpcSrv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		logger.Warn("gRPC graceful stop timed out; forcing stop")
		grpcSrv.Stop()
	}

	logger.Info("lprof dashboard exited cleanly")
	return nil
}

func loadServerTLSCredentials(tlsCfg config.TLSConfig) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(tlsCfg.CertPath, tlsCfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load server cert/key: %w", err)
	}

	caPEM, err := os.ReadFile(tlsCfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert: %w", err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA cert: no certificates found")
	}

	return credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    caPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}), nil
}

func parseRSAPublicKey(raw []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse PKIX public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return rsaPub, nil
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
