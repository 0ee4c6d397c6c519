package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"atelierloyalty/backend/internal/cache"
	"atelierloyalty/backend/internal/config"
	"atelierloyalty/backend/internal/httpapi"
	"atelierloyalty/backend/internal/notify"
	"atelierloyalty/backend/internal/program"
	"atelierloyalty/backend/internal/service"
	"atelierloyalty/backend/internal/store"
	"atelierloyalty/backend/internal/store/memory"
	pgstore "atelierloyalty/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}

	rules, err := config.LoadProgram(cfg.ProgramRulesPath)
	if err != nil {
		log.Fatalf("invalid program rules: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		log.Println("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		log.Println("repository: in-memory")
	}

	profiles := cache.ProfileCache(cache.NoopProfileCache{})
	notifier := notify.Notifier(notify.LogNotifier{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisProfileCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using noop cache and log notifier", err)
		} else {
			profiles = redisCache
			notifier = notify.NewRedisNotifier(redisCache.Client())
			closers = append(closers, redisCache.Close)
			log.Println("cache: redis, notifier: redis pub/sub")
		}
	} else {
		log.Println("cache: noop, notifier: log")
	}

	engine := program.New(rules)
	svc := service.New(repo, engine, profiles, notifier,
		cfg.OpsPIN, time.Duration(cfg.ProfileCacheTTLSeconds)*time.Second)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin)

	sweeperCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	if rules.AutoExpirePoints && rules.PointsExpiryMonths > 0 {
		go runExpirySweeper(sweeperCtx, svc, time.Duration(cfg.ExpirySweepIntervalMinutes)*time.Minute)
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("loyalty backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	stopSweeper()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}

// runExpirySweeper drives the periodic expiry sweep and warning pass until
// ctx is cancelled.
func runExpirySweeper(ctx context.Context, svc *service.Service, interval time.Duration) {
	if interval < time.Minute {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := svc.RunExpirySweep(ctx, now.UTC()); err != nil {
				log.Printf("expiry sweep error: %v", err)
			}
			if _, err := svc.RunExpiryWarning(ctx, now.UTC()); err != nil {
				log.Printf("expiry warning error: %v", err)
			}
		}
	}
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.OpsPIN != "" {
		if len(cfg.OpsPIN) < 6 {
			return fmt.Errorf("OPS_PIN must be at least 6 digits")
		}
		if err := validatePINStrength(cfg.OpsPIN); err != nil {
			return fmt.Errorf("OPS_PIN is too weak: %w", err)
		}
	}
	return nil
}

// validatePINStrength rejects PINs that are all the same digit,
// sequential (ascending or descending), or from a known-weak list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"222222": true, "333333": true, "444444": true, "555555": true,
		"666666": true, "777777": true, "888888": true, "999999": true,
		"121212": true, "112233": true, "123123": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
