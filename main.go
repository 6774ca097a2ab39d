package main

import (
	"context"
	"errors"
	"flag"
	"log"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"parlor/internal/auth"
	"parlor/internal/commands"
	"parlor/internal/config"
	"parlor/internal/httpapi"
	"parlor/internal/push"
	"parlor/internal/ratelimit"
	"parlor/internal/storage"
	"parlor/internal/ws"
)

func run(ctx context.Context) error {
	addUser := flag.String("add-user", "", "Username to create (creates user with random password and prints details)")
	displayName := flag.String("display-name", "", "Display name for the user created with -add-user")
	moderator := flag.Bool("moderator", false, "Grant the user created with -add-user moderator rights")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if *addUser != "" {
		return commands.AddUser(ctx, *addUser, *displayName, *moderator, cfg)
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	authService, err := auth.NewService(ctx, auth.Config{TokenExpiry: cfg.TokenExpiry}, bbStorage)
	if err != nil {
		return err
	}

	notifier := push.New(push.Config{
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		Subscriber:      cfg.PushSubscriber,
	}, bbStorage, nil)

	hub, err := ws.NewHub(ws.HubConfig{
		HistorySize: cfg.HistorySize,
		Cooldown: ratelimit.Config{
			Limit:  cfg.CooldownLimit,
			Window: cfg.CooldownWindow,
		},
	}, authService, bbStorage, notifier)
	if err != nil {
		return err
	}

	apiServer := httpapi.NewServer(authService, hub, notifier, cfg.APIAddr, nil)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
