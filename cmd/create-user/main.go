package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"account_gateway/internal/auth"
	"account_gateway/internal/config"
	"account_gateway/internal/models"
	"account_gateway/internal/storage"
)

// create-user provisions a gateway caller and prints their API key once.
// The plaintext key is never stored; losing it means provisioning again.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	email := os.Getenv("USER_EMAIL")
	if email == "" || !strings.Contains(email[1:], "@") {
		fmt.Fprintf(os.Stderr, "ERROR: USER_EMAIL must be set to a valid address\n")
		os.Exit(1)
	}

	preference := models.PreferDedicatedFirst
	if os.Getenv("USER_PREFERENCE") == string(models.PreferSharedFirst) {
		preference = models.PreferSharedFirst
	}

	db, err := storage.NewDB(storage.DBConfig{
		DSN:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,

		// Minimal cache for a one-shot tool
		CredentialCacheSize: 10,
		CredentialCacheTTL:  time.Minute,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	repo := storage.NewUserRepository(db)

	if existing, err := repo.GetByEmail(ctx, email); err == nil {
		fmt.Printf("INFO: User %s already exists (id %s)\n", email, existing.ID)
		fmt.Println("Exiting (no action taken)")
		os.Exit(0)
	} else if err != storage.ErrUserNotFound {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to check for existing user: %v\n", err)
		os.Exit(1)
	}

	key, err := auth.GenerateAPIKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to generate API key: %v\n", err)
		os.Exit(1)
	}

	user := &models.User{
		ID:         uuid.New(),
		Email:      email,
		APIKeyHash: auth.HashAPIKey(key, []byte(cfg.Auth.APIKeyPepper)),
		Preference: preference,
		Enabled:    true,
	}

	if err := repo.Create(ctx, user); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: Failed to create user: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("SUCCESS: User created")
	fmt.Printf("Email: %s\n", user.Email)
	fmt.Printf("ID: %s\n", user.ID)
	fmt.Printf("Preference: %s\n", user.Preference)
	fmt.Printf("API key (shown once): %s\n", key)
}
