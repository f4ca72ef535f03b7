// Command interceptproxy runs the intercepting forward proxy: it binds the
// listen address, wires the policy/cert/cache/traffic-log components, and
// serves both the proxy port and the admin API until signaled to stop.
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

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/proxyforge/interceptproxy/internal/admin"
	"github.com/proxyforge/interceptproxy/internal/cache"
	"github.com/proxyforge/interceptproxy/internal/cert"
	"github.com/proxyforge/interceptproxy/internal/config"
	"github.com/proxyforge/interceptproxy/internal/conn"
	"github.com/proxyforge/interceptproxy/internal/db"
	"github.com/proxyforge/interceptproxy/internal/filterhook"
	"github.com/proxyforge/interceptproxy/internal/listener"
	"github.com/proxyforge/interceptproxy/internal/policy"
	"github.com/proxyforge/interceptproxy/internal/rules"
	"github.com/proxyforge/interceptproxy/internal/trafficlog"
)

func main() {
	cmd := config.New(run)
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg config.Config) error {
	log, err := newLogger(cfg.Dev)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	store, tl, err := openRuleAndTrafficStores(cfg, log)
	if err != nil {
		return fmt.Errorf("open rule/traffic stores: %w", err)
	}
	defer store.Close()
	defer tl.Close()

	certs, err := cert.Load(cfg.CACertPath, cfg.CAKeyPath, cfg.CertsDir, log)
	if err != nil {
		return fmt.Errorf("load CA material: %w", err)
	}

	respCache, err := cache.New(cfg.CacheDir, cfg.CacheTTL(), cfg.CacheMaxBytes, log)
	if err != nil {
		return fmt.Errorf("open response cache: %w", err)
	}

	engine := policy.New(store, log)
	filter := filterhook.Keyword(cfg.ContentFilterKeys)
	handler := conn.New(engine, certs, respCache, tl, filter, log)

	proxyListener := listener.New(cfg.Addr(), handler, cfg.ShutdownGrace, log)
	adminServer := admin.New(store, tl, log)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("shutdown signal received")
		cancel()
	}()

	// errgroup.WithContext cancels the shared context as soon as either
	// goroutine returns a non-nil error, so a bind failure on one port
	// actually tears down the other instead of leaving it running forever.
	group, ctx := errgroup.WithContext(rootCtx)
	group.Go(func() error { return proxyListener.Serve(ctx) })
	group.Go(func() error { return serveAdmin(ctx, cfg.AdminAddr, adminServer, log) })

	return group.Wait()
}

// openRuleAndTrafficStores picks the rules.Store backend per cfg: a YAML
// file store when --rules-file is set, otherwise the gorm-backed store
// (sqlite by default, postgres when --rules-dsn carries a postgres:// DSN).
// The traffic log always uses the gorm connection, opened against the
// default sqlite path when --rules-dsn is empty.
func openRuleAndTrafficStores(cfg config.Config, log *zap.Logger) (rules.Store, trafficlog.Log, error) {
	dsn := cfg.RulesDSN
	if dsn == "" && cfg.RulesFile == "" {
		dsn = "interceptproxy.sqlite3"
	}

	dbConn, err := db.Open(dsnOrDefault(dsn), log)
	if err != nil {
		return nil, nil, fmt.Errorf("open traffic-log database: %w", err)
	}
	tl, err := trafficlog.NewGormLog(dbConn)
	if err != nil {
		return nil, nil, err
	}

	if cfg.RulesFile != "" {
		fileStore, err := rules.NewFileStore(cfg.RulesFile, log)
		if err != nil {
			return nil, nil, err
		}
		return fileStore, tl, nil
	}

	gormStore, err := rules.NewGormStore(dbConn)
	if err != nil {
		return nil, nil, err
	}
	return gormStore, tl, nil
}

func dsnOrDefault(dsn string) string {
	if strings.TrimSpace(dsn) == "" {
		return "interceptproxy.sqlite3"
	}
	return dsn
}

func serveAdmin(ctx context.Context, addr string, srv *admin.Server, log *zap.Logger) error {
	httpServer := &http.Server{Addr: addr, Handler: srv.Router()}

	go func() {
		<-ctx.Done()
		_ = httpServer.Close()
	}()

	log.Info("admin API listening", zap.String("addr", addr))
	err := httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
