package main

// GET    /products                       - list products (?category=&featured=)
// POST   /products                       - create a product
// GET    /products/{id}                  - one product
// PUT    /products/{id}                  - replace a product
// DELETE /products/{id}                  - delete a product
// PATCH  /products/{id}/stock            - set absolute stock
// POST   /cart/{userId}/add              - add a line item (merges same product+unit)
// GET    /cart/{userId}                  - cart with products populated
// DELETE /cart/{userId}/remove/{itemId}  - remove a line item
// PATCH  /cart/{userId}/update/{itemId}  - change quantity and/or unit
// POST   /orders/create                  - order from cart (Idempotency-Key header optional)
// GET    /orders/{userId}                - orders of a user, newest first
// GET    /orders/{userId}/{orderId}      - one order
// PATCH  /orders/{orderId}/status        - advance order status

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fabric-store/cache"
	"fabric-store/config"
	"fabric-store/handler"
	"fabric-store/logger"
	"fabric-store/service"
	"fabric-store/store"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

//go:embed migrations.sql
var migrationSQL string

const serviceName = "fabric-store"

func main() {
	cfg := config.Load()
	log := logger.New(logger.Options{
		Service: serviceName,
		Env:     cfg.AppEnv,
		Level:   cfg.LogLevel,
	})

	if err := run(cfg, log); err != nil {
		log.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	// prices go over the wire as JSON numbers
	decimal.MarshalJSONWithoutQuotes = true

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	opts := []service.Option{
		service.WithLogger(log),
		service.WithPopulateConcurrency(cfg.CartPopulateConcurrency),
	}
	if cfg.RedisAddr != "" {
		c := cache.NewRedisCache(cfg.RedisAddr, serviceName)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := cache.Ping(pingCtx, c)
		cancel()
		if err != nil {
			log.Warn("redis unreachable, running without product cache", "addr", cfg.RedisAddr, "err", err)
			_ = cache.Close(c)
		} else {
			defer cache.Close(c)
			opts = append(opts, service.WithCache(c, cfg.ProductCacheTTL))
			log.Info("product cache enabled", "addr", cfg.RedisAddr, "ttl", cfg.ProductCacheTTL.String())
		}
	}

	svc := service.NewService(st, opts...)
	var serviceInterface service.ServiceInterface = svc

	h := handler.NewHandler(serviceInterface)
	r := mux.NewRouter()
	h.RegisterRoutes(r)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server running", "addr", srv.Addr, "backend", cfg.StoreBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (store.Store, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		ps, err := store.NewPostgresStore(connectCtx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := ps.Migrate(connectCtx, migrationSQL); err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		log.Info("database migrations executed")
		return ps, nil

	case config.BackendMongo:
		ms, err := store.NewMongoStore(connectCtx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		if err := ms.EnsureIndexes(connectCtx); err != nil {
			_ = ms.Close()
			return nil, fmt.Errorf("ensure indexes: %w", err)
		}
		log.Info("mongo indexes ensured", "db", cfg.MongoDB)
		return ms, nil
	}
	return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
}
