// Command flowkeepd runs the workflow engine under one of three profiles
// (spec §6): standalone (engine only), server (engine + HTTP API), or
// client (a thin proxy to a remote flowkeepd server). Wiring and shutdown
// follow cmd/appserver/main.go's pattern: flags override config file
// values, every long-running component satisfies lifecycle.Service, and a
// signal triggers an orderly stop in reverse start order.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/flowkeep/engine/internal/cache"
	"github.com/flowkeep/engine/internal/config"
	"github.com/flowkeep/engine/internal/engine"
	"github.com/flowkeep/engine/internal/executor"
	"github.com/flowkeep/engine/internal/executor/localexec"
	"github.com/flowkeep/engine/internal/httpapi"
	"github.com/flowkeep/engine/internal/lifecycle"
	"github.com/flowkeep/engine/internal/logging"
	"github.com/flowkeep/engine/internal/store"
	"github.com/flowkeep/engine/internal/store/migrations"
)

// Exit codes per spec §6.
const (
	exitClean             = 0
	exitBadArguments      = 2
	exitUnrecoverableInit = 3
	exitTerminatedBySignal = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to a YAML config file (overrides CONFIG_FILE)")
	profileFlag := flag.String("profile", "", "standalone|server|client (overrides config)")
	addrFlag := flag.String("addr", "", "HTTP listen host:port (server profile; overrides config)")
	tokenFileFlag := flag.String("token-file", "", "bearer token file (server profile; overrides config)")
	flag.Parse()

	if *configPath != "" {
		os.Setenv("CONFIG_FILE", *configPath)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowkeepd: load config: %v\n", err)
		return exitBadArguments
	}
	if *profileFlag != "" {
		cfg.Profile = config.Profile(*profileFlag)
	}
	if *addrFlag != "" {
		host, port := splitAddr(*addrFlag)
		cfg.Server.Host, cfg.Server.Port = host, port
	}
	if *tokenFileFlag != "" {
		cfg.Server.TokenFile = *tokenFileFlag
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "flowkeepd: invalid config: %v\n", err)
		return exitBadArguments
	}

	log := logging.New(logging.Config(cfg.Logging))

	if cfg.Profile == config.ProfileClient {
		return runClient(cfg, log)
	}
	return runEngineProfile(cfg, log)
}

func splitAddr(addr string) (string, int) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return addr, 0
	}
	var port int
	fmt.Sscanf(addr[idx+1:], "%d", &port)
	return addr[:idx], port
}

// runClient is the "client" profile: it never starts the engine, it just
// reports how it would be used, since flowkeepd's client profile is a
// library (internal/httpapi.Client) meant for embedding in a CLI/DSL tool
// out of this core's scope (spec §1's "embeddable DSL" non-goal).
func runClient(cfg *config.Config, log *logging.Logger) int {
	client := httpapi.NewClient(cfg.Client.URL, cfg.Client.Token)
	n, err := client.GetTarget(context.Background(), "__probe__")
	if err != nil {
		log.WithField("error", err).Info("client profile ready (probe target not found, as expected)")
		_ = n
	}
	log.WithField("url", cfg.Client.URL).Info("flowkeepd running in client profile")
	<-signalChannel()
	return exitTerminatedBySignal
}

func runEngineProfile(cfg *config.Config, log *logging.Logger) int {
	st, db, err := openStore(cfg)
	if err != nil {
		log.WithField("error", err).Error("open store")
		return exitUnrecoverableInit
	}
	defer st.Close()
	if db != nil {
		defer db.Close()
	}

	c, err := cache.Warm(context.Background(), st)
	if err != nil {
		log.WithField("error", err).Error("warm cache")
		return exitUnrecoverableInit
	}

	var mirror *cache.RedisMirror
	if strings.EqualFold(cfg.Cache.Backend, "redis") {
		mirror = cache.NewRedisMirror(cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB, "flowkeep:nodes")
	}
	watcher := cache.NewWatcher(st, c,
		time.Duration(cfg.Cache.CoalesceWindowSeconds*float64(time.Second)),
		time.Duration(cfg.Cache.ForceEmitSeconds*float64(time.Second)),
		mirror, log)

	registry := executor.NewRegistry()
	local := localexec.New(cfg.Engine.HostTimeoutUpperBound())
	registry.Register(local)
	registry.SetConditionEvaluator(localexec.ConditionEvaluator{})

	eng := engine.New(st, registry, cfg.Engine, log)

	services := []lifecycle.Service{watcher, eng}

	var server *httpapi.Server
	if cfg.Profile == config.ProfileServer {
		var auth *httpapi.TokenAuthenticator
		if cfg.Server.TokenFile != "" {
			auth, err = httpapi.NewTokenAuthenticator(cfg.Server.TokenFile, log)
			if err != nil {
				log.WithField("error", err).Error("load token file")
				return exitUnrecoverableInit
			}
			hup := make(chan os.Signal, 1)
			signal.Notify(hup, syscall.SIGHUP)
			go func(a *httpapi.TokenAuthenticator) {
				for range hup {
					if err := a.Reload(); err != nil {
						log.WithField("error", err).Warn("reload token file")
						continue
					}
					log.Info("token file reloaded")
				}
			}(auth)
		} else {
			log.Warn("server profile running without a token file; every request will be rejected")
			auth = &httpapi.TokenAuthenticator{}
		}
		server = httpapi.NewServer(cfg.Server, st, c, watcher, eng, auth, log)
		services = append(services, server)
	}

	ctx := context.Background()
	for _, svc := range services {
		if err := svc.Start(ctx); err != nil {
			log.WithField("service", svc.Name()).WithField("error", err).Error("start service")
			stopAll(services, log)
			return exitUnrecoverableInit
		}
		log.WithField("service", svc.Name()).Info("started")
	}

	sig := <-signalChannel()
	log.WithField("signal", sig.String()).Info("shutting down")
	stopAll(services, log)
	return exitTerminatedBySignal
}

func stopAll(services []lifecycle.Service, log *logging.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(services) - 1; i >= 0; i-- {
		if err := services[i].Stop(shutdownCtx); err != nil {
			log.WithField("service", services[i].Name()).WithField("error", err).Error("stop service")
		}
	}
}

func signalChannel() chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	return ch
}

// openStore selects a Store backend from cfg.Database.DSN: empty means
// in-memory, "backup:<dir>" means the directory-snapshot backend, anything
// else is a postgres connection string (spec §6's persistent-state layout).
func openStore(cfg *config.Config) (store.Store, *sql.DB, error) {
	dsn := strings.TrimSpace(cfg.Database.DSN)
	switch {
	case dsn == "":
		return store.NewMemory(), nil, nil
	case strings.HasPrefix(dsn, "backup:"):
		dir := strings.TrimPrefix(dsn, "backup:")
		st, err := store.OpenBackupStore(dir)
		return st, nil, err
	default:
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, nil, err
		}
		if err := db.PingContext(context.Background()); err != nil {
			db.Close()
			return nil, nil, err
		}
		if cfg.Database.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		}
		if cfg.Database.MaxIdleConns > 0 {
			db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		}
		if cfg.Database.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)
		}
		if cfg.Database.MigrateOnStart {
			if err := migrations.Apply(context.Background(), db); err != nil {
				db.Close()
				return nil, nil, err
			}
		}
		return store.NewPostgres(db), db, nil
	}
}
