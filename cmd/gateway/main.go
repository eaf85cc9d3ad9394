package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/kirogateway/gateway/internal/config"
	"github.com/kirogateway/gateway/internal/credential"
	"github.com/kirogateway/gateway/internal/orchestrator"
	"github.com/kirogateway/gateway/internal/proxy/handlers"
	"github.com/kirogateway/gateway/internal/proxy/middleware"
	"github.com/kirogateway/gateway/internal/translator"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the gateway's YAML configuration document")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		log.Fatalf("credential store: %v", err)
	}
	if closeStore != nil {
		defer closeStore()
	}

	refresher := credential.NewHTTPRefresher(credential.EndpointConfig{
		SocialRefreshURL: cfg.SocialRefreshURL,
		OIDCBaseDomain:   cfg.OIDCBaseDomain,
		DefaultRegion:    cfg.Region,
	})

	pool := credential.NewPool(store, refresher, credential.PoolOptions{})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := pool.LoadInitial(ctx); err != nil {
		log.Fatalf("credential pool: load initial: %v", err)
	}

	if interval := cfg.SyncInterval(); interval > 0 {
		reloader := credential.NewReloader(store, pool, interval)
		go reloader.Run(ctx)
	}

	upstream := orchestrator.NewHTTPUpstream(orchestrator.DefaultEndpoint(), outboundHTTPClient(cfg))
	meta := translator.Metadata{
		KiroVersion:   cfg.KiroVersion,
		MachineID:     cfg.MachineID,
		SystemVersion: cfg.SystemVersion,
		NodeVersion:   cfg.NodeVersion,
	}
	orc := orchestrator.New(pool, upstream, meta, orchestrator.Options{})

	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", handlers.Health())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKey))
		r.Post("/messages", handlers.Messages(orc))
		r.Post("/messages/count_tokens", handlers.CountTokens(cfg))
		r.Get("/models", handlers.Models())
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.AdminAPIKeyAuth(cfg.AdminAPIKey))
		r.Get("/credentials", handlers.CredentialSnapshot(pool))
	})

	addr := cfg.Host + ":" + strconv.Itoa(cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("kiro gateway listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("listen: %v", err)
	}
}

// outboundHTTPClient returns nil (letting HTTPUpstream pick its own
// default) unless cfg.ProxyURL names an outbound HTTP proxy, in which case
// the proxy's userinfo carries basic auth per net/http.Transport's native
// support for authenticated CONNECT proxies.
func outboundHTTPClient(cfg *config.Config) *http.Client {
	if cfg.ProxyURL == "" {
		return nil
	}
	proxyURL, err := url.Parse(cfg.ProxyURL)
	if err != nil {
		log.Printf("⚠️ gateway: invalid proxyUrl %q, ignoring: %v", cfg.ProxyURL, err)
		return nil
	}
	if cfg.ProxyUsername != "" {
		proxyURL.User = url.UserPassword(cfg.ProxyUsername, cfg.ProxyPassword)
	}
	return &http.Client{
		Timeout: orchestrator.DefaultEndpoint().Timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
	}
}

// openStore constructs the configured Credential Store and, for the
// database backing, a closer for its connection pool.
func openStore(cfg *config.Config) (credential.Store, func(), error) {
	switch cfg.CredentialStorageType {
	case config.StorageDatabase:
		pg, err := credential.NewPostgresStore(cfg.Postgres.DatabaseURL, cfg.Postgres.TableName, cfg.Postgres.MaxConnections)
		if err != nil {
			return nil, nil, err
		}
		return pg, func() { pg.Close() }, nil
	default:
		return credential.NewFileStore(cfg.CredentialsFile), nil, nil
	}
}
