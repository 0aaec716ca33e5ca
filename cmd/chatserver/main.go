// main.go
// Wires the chat server together: configuration, the credential store, the
// hub loop with its optional redis presence mirror, the HTTP router and the
// optional mDNS advertisement. The hub is stopped after the HTTP server has
// drained, so no handler registers into a dead loop.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"securechat/internal/accounts"
	"securechat/internal/config"
	"securechat/internal/discovery"
	"securechat/internal/hub"
	"securechat/internal/presence"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := config.LoadDotEnv(""); err != nil {
		log.Fatalf("chatserver: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("chatserver: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log.Default()); err != nil {
		log.Fatalf("chatserver: %v", err)
	}
}

func run(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	store, err := accounts.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	var mirror presence.Mirror = presence.NopMirror{}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse CHAT_REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		// Mirror writes carry their own timeout and must outlive the signal context.
		redisMirror := presence.NewRedisMirror(context.Background(), rdb, logger)
		defer redisMirror.Close()
		mirror = redisMirror
		logger.Printf("chatserver: presence mirror enabled addr=%s", opts.Addr)
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	manager := hub.NewManager(hub.Options{
		Mirror:     mirror,
		Mode:       hub.DeliveryMode(cfg.DeliveryMode),
		SendBuffer: cfg.SendBuffer,
		Logger:     logger,
	})
	go manager.Run(hubCtx)

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           newRouter(manager, store, cfg.AllowedOrigins, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.MDNS {
		host, _ := os.Hostname()
		adv, err := discovery.Advertise(discovery.Config{
			Instance: "securechat on " + host,
			Port:     cfg.Port,
			TLS:      cfg.TLS(),
		})
		if err != nil {
			logger.Printf("chatserver: mdns advertisement disabled: %v", err)
		} else {
			defer adv.Stop()
			logger.Printf("chatserver: advertising %s", discovery.DefaultService)
		}
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Printf("chatserver: listening port=%d tls=%t mode=%s db=%s", cfg.Port, cfg.TLS(), cfg.DeliveryMode, cfg.DBDriver)
		if cfg.TLS() {
			serveErr <- srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
			return
		}
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		logger.Printf("chatserver: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Printf("chatserver: shutdown: %v", err)
		}
	}

	stopHub()
	<-manager.Done()
	return nil
}

// pinger is the slice of the credential store the health check needs.
type pinger interface {
	Ping(ctx context.Context) error
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Online   int    `json:"online"`
}

func newRouter(manager *hub.Manager, store *accounts.Store, allowedOrigins []string, logger *log.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/ws", hub.NewHandler(manager, allowedOrigins))
	accounts.NewHandler(store, logger).Register(r)
	r.HandleFunc("/ping", handlePing).Methods(http.MethodGet)
	r.HandleFunc("/health", healthHandler(store, manager.Registry())).Methods(http.MethodGet)
	return r
}

func handlePing(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("pong"))
}

func healthHandler(db pinger, registry *presence.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := healthResponse{Status: "ok", Database: "ok", Online: registry.Len()}
		status := http.StatusOK
		if err := db.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Database = err.Error()
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
