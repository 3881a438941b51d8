package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"authsvc/internal/account"
	"authsvc/internal/config"
	internalhttp "authsvc/internal/http"
	"authsvc/internal/otp"
	"authsvc/internal/repository"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store account.Store
	if cfg.DatabaseURL != "" {
		pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connection failed: %v", err)
		}
		defer pool.Close()

		pg := repository.NewPostgres(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			log.Fatalf("schema bootstrap failed: %v", err)
		}
		store = pg
	} else {
		log.Print("no DATABASE_URL, using in-memory store")
		store = repository.NewMemory()
	}

	var otpStore otp.Store
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer client.Close()
		otpStore = otp.NewRedisStore(client)
	} else {
		log.Print("no REDIS_ADDR, using in-memory passcode store")
		otpStore = otp.NewMemStore()
	}

	svc := account.NewService(cfg, store, otp.NewManager(otpStore, cfg.OTPTTL, cfg.OTPClockSkew))
	if err := svc.EnsureBuiltinGroups(ctx); err != nil {
		log.Fatalf("group bootstrap failed: %v", err)
	}
	server := internalhttp.NewServer(cfg, svc)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("%s listening on %s", config.CanonicalName, cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
