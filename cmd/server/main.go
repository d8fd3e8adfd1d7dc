package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/crystal-mush/gochatter/pkg/boltstore"
	"github.com/crystal-mush/gochatter/pkg/server"
	"github.com/crystal-mush/gochatter/pkg/store"
)

// envDefault returns the environment variable value if set, otherwise the fallback.
func envDefault(envVar, fallback string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return fallback
}

func envInt(envVar string, fallback int) int {
	if v := os.Getenv(envVar); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flagSet := pflag.NewFlagSet("gochatter", pflag.ContinueOnError)
	confFile := flagSet.String("conf", envDefault("CHATTER_CONF", ""), "Path to config file, .yaml or .jsonc (env: CHATTER_CONF)")
	host := flagSet.String("host", envDefault("CHATTER_HOST", ""), "Address to listen on (env: CHATTER_HOST)")
	port := flagSet.Int("port", envInt("CHATTER_PORT", 0), "TCP port to listen on (env: CHATTER_PORT)")
	boltPath := flagSet.String("bolt", envDefault("CHATTER_BOLT", ""), "Path to bbolt database; empty keeps everything in memory (env: CHATTER_BOLT)")
	seed := flagSet.String("seed", envDefault("CHATTER_SEED", ""), "YAML room graph used when the database has no world (env: CHATTER_SEED)")
	textDir := flagSet.String("textdir", envDefault("CHATTER_TEXTDIR", ""), "Path to text files directory (env: CHATTER_TEXTDIR)")
	maxSessions := flagSet.Int("max-sessions", envInt("CHATTER_MAX_SESSIONS", 0), "Maximum concurrent sessions (env: CHATTER_MAX_SESSIONS)")
	duplicate := flagSet.String("duplicate-login", envDefault("CHATTER_DUPLICATE_LOGIN", ""), "evict_old or reject_new (env: CHATTER_DUPLICATE_LOGIN)")
	metricsAddr := flagSet.String("metrics", envDefault("CHATTER_METRICS", ""), "Address for the Prometheus endpoint (env: CHATTER_METRICS)")
	backup := flagSet.String("backup", "", "Write a copy of the bbolt database to this path and exit")
	version := flagSet.Bool("version", false, "Print the version and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if *version {
		fmt.Println(server.VersionString())
		return nil
	}
	log.Printf("Welcome to %s", server.VersionString())

	cfg := server.DefaultConfig()
	if *confFile != "" {
		var err error
		if cfg, err = server.LoadConfig(*confFile); err != nil {
			return err
		}
		log.Printf("Loaded config from %s", *confFile)
	}

	// Flags and environment override the config file.
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *boltPath != "" {
		cfg.BoltPath = *boltPath
	}
	if *seed != "" {
		cfg.WorldSeed = *seed
	}
	if *textDir != "" {
		cfg.TextDir = *textDir
	}
	if *maxSessions != 0 {
		cfg.MaxSessions = *maxSessions
	}
	if *duplicate != "" {
		cfg.DuplicateLogin = server.DuplicatePolicy(*duplicate)
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	var gw store.Gateway
	if cfg.BoltPath != "" {
		bs, err := boltstore.Open(cfg.BoltPath)
		if err != nil {
			return fmt.Errorf("opening bolt database: %w", err)
		}
		defer bs.Close()
		if *backup != "" {
			if err := bs.Backup(*backup); err != nil {
				return err
			}
			log.Printf("Backup written to %s", *backup)
			return nil
		}
		log.Printf("Opened %s: %d accounts", cfg.BoltPath, bs.AccountCount())
		gw = bs
	} else {
		if *backup != "" {
			return errors.New("--backup needs a bolt database")
		}
		log.Printf("WARNING: no bolt database configured; nothing will survive a restart")
		gw = store.NewMemory()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, gw)
	if err != nil {
		return err
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		log.Printf("Received signal, shutting down")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace.D()+10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("ERROR: shutdown: %v", err)
	}
	if err := <-errc; !errors.Is(err, server.ErrServerClosed) {
		return err
	}
	return nil
}
