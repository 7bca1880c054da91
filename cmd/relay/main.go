package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/campaignhub/convsync/internal/config"
	"github.com/campaignhub/convsync/internal/messaging"
	"github.com/campaignhub/convsync/internal/ratelimit"
	"github.com/campaignhub/convsync/internal/relay"
	"github.com/campaignhub/convsync/internal/session"
	"github.com/campaignhub/convsync/internal/store"
)

func main() {
	if err := config.LoadEnvFile(); err != nil {
		log.Fatalf("failed to load env file: %v", err)
	}
	cfg, err := config.LoadRelay()
	if err != nil {
		log.Fatalf("invalid relay config: %v", err)
	}

	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "address to listen on")
	flag.StringVar(&cfg.Store, "store", cfg.Store, "thread store: memory or postgres")
	flag.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "postgres connection string")
	flag.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "NATS server for multi-relay fan-out (empty = in-process)")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis for rate limits and session records (empty = disabled)")
	flag.StringVar(&cfg.ServerName, "server-name", cfg.ServerName, "name recorded on session records")
	flag.IntVar(&cfg.MaxConnections, "max-connections", cfg.MaxConnections, "websocket connection cap")
	flag.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "per-frame write deadline")
	campaigns := flag.String("campaigns", "", "extra campaigns to seed, as c1:adv1,c2:adv2")
	flag.Parse()

	if *campaigns != "" {
		extra, err := config.ParseCampaigns(*campaigns)
		if err != nil {
			log.Fatalf("invalid --campaigns: %v", err)
		}
		for id, adv := range extra {
			cfg.Campaigns[id] = adv
		}
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid relay config: %v", err)
	}

	ctx := context.Background()

	// --- Store ---
	var st store.Store
	switch cfg.Store {
	case config.StorePostgres:
		pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to open postgres: %v", err)
		}
		st = pg
	default:
		st = store.NewMemory()
	}
	for id, adv := range cfg.Campaigns {
		if err := st.PutCampaign(ctx, id, adv); err != nil {
			log.Fatalf("failed to seed campaign %s: %v", id, err)
		}
	}

	// --- NATS ---
	var broker relay.Broker
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsConfig.Name = "convsync-" + cfg.ServerName
		natsClient, err := messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		broker = relay.NewNATSBroker(natsClient)
	} else {
		broker = relay.NewLocalBroker()
	}

	// --- Redis ---
	var sessions *session.Store
	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		sessions, err = session.NewStore(cfg.RedisAddr, cfg.ServerName)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		limiter = ratelimit.NewLimiter(sessions.Client())
	}

	serverConfig := relay.DefaultConfig()
	serverConfig.ListenAddr = cfg.ListenAddr
	serverConfig.SendRule = ratelimit.SendRule(cfg.SendLimit, cfg.SendWindow)
	serverConfig.Hub.MaxConnections = cfg.MaxConnections
	serverConfig.Hub.WriteTimeout = cfg.WriteTimeout

	server, err := relay.NewServer(serverConfig, relay.Options{
		Store:    st,
		Broker:   broker,
		Sessions: sessions,
		Limiter:  limiter,
	})
	if err != nil {
		log.Fatalf("failed to create relay: %v", err)
	}

	log.Printf("convsync relay starting")
	log.Printf("  listen_addr:     %s", cfg.ListenAddr)
	log.Printf("  store:           %s", cfg.Store)
	log.Printf("  campaigns:       %d", len(cfg.Campaigns))
	log.Printf("  nats_url:        %s", orNone(cfg.NATSURL))
	log.Printf("  redis_addr:      %s", orNone(cfg.RedisAddr))
	log.Printf("  server_name:     %s", cfg.ServerName)
	log.Printf("  max_connections: %d", cfg.MaxConnections)
	log.Printf("  send_limit:      %d per %s", cfg.SendLimit, cfg.SendWindow)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		broker.Close()
		if sessions != nil {
			if err := sessions.Close(); err != nil {
				log.Printf("session store close error: %v", err)
			}
		}
		if err := st.Close(); err != nil {
			log.Printf("store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
