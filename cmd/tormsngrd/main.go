// Command tormsngrd is the single-user peer-to-peer messenger daemon: it
// loads configuration and the owner's long-term key, runs schema
// migrations, writes an operator-readable stats file, and serves the
// owner/remote-peer HTTP API.
//
// Flag/env override pattern grounded on keysaver-server/main.go.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"tormsngr/internal/api"
	"tormsngr/internal/applog"
	"tormsngr/internal/config"
	"tormsngr/internal/identity"
	"tormsngr/internal/messenger"
	"tormsngr/internal/store"
)

// app bundles the process-wide singletons built once at startup and
// threaded through explicitly, rather than as package-level globals.
type app struct {
	cfg *config.Config
	id  *identity.Identity
	st  *store.Store
	msg *messenger.Messenger
	api *api.Server
}

func main() {
	log := applog.New("main")

	cfg := config.Default()
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.StringVar(&cfg.ListenAddr, "addr", cfg.ListenAddr, "address to listen on")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	flag.StringVar(&cfg.StatsPath, "stats", cfg.StatsPath, "path to write the operator stats file")
	flag.StringVar(&cfg.ProxyAddr, "proxy", cfg.ProxyAddr, "SOCKS5 proxy address (host:port)")
	flag.IntVar(&cfg.DBPoolSize, "db-pool-size", cfg.DBPoolSize, "max open SQLite connections (<=8)")
	flag.IntVar(&cfg.WorkerCount, "workers", cfg.WorkerCount, "blocking worker pool size")
	flag.Parse()

	if envPath := os.Getenv("TORMSNGR_CONFIG"); envPath != "" {
		*configPath = envPath
	}

	if err := config.Load(*configPath, cfg); err != nil {
		log.WithError(err).Fatal("failed to load config")
	}
	if cfg.DBPoolSize > 8 {
		cfg.DBPoolSize = 8
	}

	a, err := buildApp(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize")
	}
	defer a.st.Close()

	if err := writeStats(a); err != nil {
		log.WithError(err).Fatal("failed to write stats file")
	}

	if err := a.st.Migrate(); err != nil {
		log.WithError(err).Fatal("migrations failed")
	}

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.WithField("addr", cfg.ListenAddr).Info("listening")
	if err := httpSrv.ListenAndServe(); err != nil {
		log.WithError(err).Fatal("server error")
	}
}

func buildApp(cfg *config.Config, log *logrus.Entry) (*app, error) {
	id, err := identity.Load(cfg.AddressPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	st, err := store.Open(cfg.DBPath, cfg.DBPoolSize, cfg.WorkerCount)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	msg, err := messenger.New(id, st, cfg.ProxyAddr)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("build messenger: %w", err)
	}

	apiLog := applog.New("api")
	apiSrv := api.NewServer(cfg.Password, st, msg, apiLog)

	return &app{cfg: cfg, id: id, st: st, msg: msg, api: apiSrv}, nil
}

// stats is the shape written to cfg.StatsPath: a small operator-readable
// snapshot of the instance's address, taken once at startup.
type stats struct {
	OnionAddress string `yaml:"onion-address"`
	PublicKey    string `yaml:"public-key"`
}

// writeStats atomically replaces cfg.StatsPath with a fresh snapshot,
// writing to a temp file in the same directory and renaming over it so a
// concurrent reader never observes a partial write.
func writeStats(a *app) error {
	onion, err := identity.DeriveOnionV3(a.id.Public())
	if err != nil {
		return fmt.Errorf("derive onion address: %w", err)
	}
	s := stats{
		OnionAddress: onion,
		PublicKey:    identity.EncodePublicKey(a.id.Public()),
	}

	out, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}

	tmp := a.cfg.StatsPath + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return fmt.Errorf("write temp stats file: %w", err)
	}
	if err := os.Rename(tmp, a.cfg.StatsPath); err != nil {
		return fmt.Errorf("rename stats file: %w", err)
	}
	return nil
}
