package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/odyssey-erp/gatekeeper/internal/app"
	"github.com/odyssey-erp/gatekeeper/internal/platform/cache"
	"github.com/odyssey-erp/gatekeeper/internal/platform/db"
	"github.com/odyssey-erp/gatekeeper/internal/rbac"
	"github.com/odyssey-erp/gatekeeper/internal/rbac/pgstore"
	"github.com/odyssey-erp/gatekeeper/internal/rbac/sqlitestore"
	"github.com/odyssey-erp/gatekeeper/internal/session"
)

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	ctx := context.Background()

	var store rbac.Store
	switch cfg.StoreDriver {
	case app.StoreDriverSQLite:
		sqlite, err := sqlitestore.Open(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("open sqlite: %v", err)
		}
		defer sqlite.Close()
		store = sqlite
	default:
		pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{})
		if err != nil {
			log.Fatalf("connect postgres: %v", err)
		}
		defer pool.Close()
		if err := pgstore.Migrate(ctx, pool); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		store = pgstore.New(pool)
	}

	fmt.Println("→ Seeding permissions, roles and users...")
	seedUsers := rbac.DefaultSeedUsers()
	users, err := rbac.Seed(ctx, store, seedUsers)
	if err != nil {
		log.Fatalf("seed rbac: %v", err)
	}

	fmt.Println("→ Issuing sessions...")
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		log.Printf("skip sessions, redis unavailable: %v", err)
	} else {
		defer redisClient.Close()
		sessions := session.NewStore(redisClient, cfg.SessionTTL)
		for _, seed := range seedUsers {
			user := users[seed.Email]
			token, err := sessions.Create(ctx, rbac.Identity{UserID: user.ID, Email: user.Email})
			if err != nil {
				log.Fatalf("create session for %s: %v", user.Email, err)
			}
			fmt.Printf("  %-9s id=%d email=%s token=%s\n", seed.Role, user.ID, user.Email, token)
		}
	}

	fmt.Println("✓ Seed complete at", time.Now().Format(time.RFC3339))
}
