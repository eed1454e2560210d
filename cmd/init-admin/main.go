// Command init-admin creates (or resets) an admin user so a fresh
// deployment has someone who can call the admin API.
//
// Usage:
//
//	ADMIN_EMAIL=ops@example.com ADMIN_PASSWORD=... init-admin
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"ai_gateway/internal/auth"
	"ai_gateway/internal/config"
	"ai_gateway/internal/storage"
)

func main() {
	email := os.Getenv("ADMIN_EMAIL")
	password := os.Getenv("ADMIN_PASSWORD")
	if email == "" || password == "" {
		fmt.Fprintln(os.Stderr, "ADMIN_EMAIL and ADMIN_PASSWORD are required")
		os.Exit(1)
	}
	roles := []string{string(auth.RoleAdmin)}
	if raw := os.Getenv("ADMIN_ROLES"); raw != "" {
		roles = strings.Split(raw, ",")
		for _, r := range roles {
			if !auth.Role(r).IsValid() {
				fmt.Fprintf(os.Stderr, "unknown role: %s\n", r)
				os.Exit(1)
			}
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	db, err := storage.NewDB(storage.DefaultDBConfig(cfg.Database.URL))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.EnsureSchema(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to ensure schema: %v\n", err)
		os.Exit(1)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to hash password: %v\n", err)
		os.Exit(1)
	}

	admin, err := storage.NewAdminUserRepository(db).Create(ctx, email, hash, roles)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create admin user: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Created admin user %s (%s) with roles %s\n",
		admin.Email, admin.ID, strings.Join(roles, ","))
}
