package commands

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"parlor/internal/auth"
	"parlor/internal/config"
	"parlor/internal/content"
	"parlor/internal/storage"
)

// AddUser creates a user with a random password directly in the database and
// prints the credentials. Run while the server is stopped: the server loads
// users at startup.
func AddUser(ctx context.Context, username, displayName string, moderator bool, cfg *config.Config) error {
	if err := content.ValidateUsername(username); err != nil {
		return err
	}

	store, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	authService, err := auth.NewService(ctx, auth.Config{TokenExpiry: cfg.TokenExpiry}, store)
	if err != nil {
		return err
	}

	raw := make([]byte, 12)
	if _, err := rand.Read(raw); err != nil {
		return fmt.Errorf("failed to generate password: %w", err)
	}
	password := base64.RawURLEncoding.EncodeToString(raw)

	user, err := authService.AddUser(username, password, displayName, moderator)
	if err != nil {
		return err
	}

	fmt.Printf("\nUser Created Successfully!\n")
	fmt.Printf("Username:   %s\n", user.UserName)
	fmt.Printf("Password:   %s\n", password)
	if user.Moderator {
		fmt.Println("Role:       moderator")
	}
	fmt.Println("\nPlease share these credentials with the user over a secure channel.")
	return nil
}
