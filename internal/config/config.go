// Package config builds the proxy's Config from CLI flags and
// XDG-convention defaults, following the cobra root-command shape other
// forward proxies in the ecosystem use. A .env file is loaded into the
// process environment before run is called; no Config field is read from
// the environment.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Config is the fully resolved runtime configuration for one proxy process.
type Config struct {
	Host string
	Port int

	CacheDir          string
	CacheTTLSeconds   int64
	CacheMaxBytes     int64
	CACertPath        string
	CAKeyPath         string
	CertsDir          string
	RulesDSN          string
	RulesFile         string
	AdminAddr         string
	ContentFilterKeys []string
	ShutdownGrace     time.Duration
	Dev               bool
}

// Addr is the listen address host:port.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CacheTTL is CacheTTLSeconds as a time.Duration.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

func defaultCacheDir() string {
	dir, err := xdg.CacheFile("interceptproxy/cache")
	if err != nil {
		return "./cache"
	}
	return dir
}

func defaultCertsDir() string {
	dir, err := xdg.DataFile("interceptproxy/certs")
	if err != nil {
		return "./certs"
	}
	return dir
}

func defaultConfigDir() string {
	dir, err := xdg.ConfigFile("interceptproxy")
	if err != nil {
		return "."
	}
	return dir
}

// New builds the cobra root command. run is invoked with the Config built
// from the flags and their defaults, after the --env-file dotenv file (if
// present) has been loaded into the process environment.
func New(run func(cfg Config) error) *cobra.Command {
	var cfg Config
	var envFile string

	cmd := &cobra.Command{
		Use:   "interceptproxy",
		Short: "An intercepting HTTP/HTTPS forward proxy with policy-based blocking and response caching",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(envFile); err != nil && envFile != ".env" {
				return fmt.Errorf("load env file %s: %w", envFile, err)
			}
			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&envFile, "env-file", ".env", "dotenv file to load before startup")
	flags.StringVar(&cfg.Host, "host", "localhost", "listen host")
	flags.IntVar(&cfg.Port, "port", 8080, "listen port")
	flags.StringVar(&cfg.CacheDir, "cache-dir", defaultCacheDir(), "response cache directory")
	flags.Int64Var(&cfg.CacheTTLSeconds, "cache-ttl-seconds", 300, "cache entry TTL in seconds; 0 disables caching")
	flags.Int64Var(&cfg.CacheMaxBytes, "cache-max-bytes", 256<<20, "soft byte budget for the response cache; 0 is unbounded")
	flags.StringVar(&cfg.CACertPath, "ca-cert", filepath.Join(defaultConfigDir(), "proxy_ca.crt"), "CA certificate PEM path")
	flags.StringVar(&cfg.CAKeyPath, "ca-key", filepath.Join(defaultConfigDir(), "proxy_ca.key"), "CA private key PEM path")
	flags.StringVar(&cfg.CertsDir, "certs-dir", defaultCertsDir(), "directory for minted leaf certificates")
	flags.StringVar(&cfg.RulesDSN, "rules-dsn", "", "gorm DSN for the traffic log, and for the block-rule store unless --rules-file is set (sqlite file path, or postgres:// URL); empty uses interceptproxy.sqlite3")
	flags.StringVar(&cfg.RulesFile, "rules-file", "", "YAML file backing the block-rule store; when set, rules are kept in this file instead of the --rules-dsn database")
	flags.StringVar(&cfg.AdminAddr, "admin-addr", "localhost:8081", "listen address for the admin API and status page")
	flags.StringSliceVar(&cfg.ContentFilterKeys, "content-filter-keywords", nil, "case-insensitive keywords that block a text response (repeatable); empty uses the built-in defaults")
	flags.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", 10*time.Second, "how long to let in-flight connections drain after shutdown is requested")
	flags.BoolVar(&cfg.Dev, "dev", false, "enable development-mode logging (human-readable, debug level)")

	return cmd
}
