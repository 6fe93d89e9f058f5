package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"pbrelay/internal/config"
	"pbrelay/internal/dedup"
	"pbrelay/internal/logging"
	"pbrelay/internal/notify"
	"pbrelay/internal/relay"
	"pbrelay/internal/state"
	"pbrelay/pushbullet"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("pbrelay starting",
		slog.String("version", Version),
		slog.String("device", cfg.DeviceName),
		slog.String("token", logging.Redact(cfg.AccessToken)),
		slog.Bool("e2e", cfg.E2EEnabled()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.Open(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("opening state: %w", err)
	}
	defer appState.Close()

	client := pushbullet.NewClient(cfg.AccessToken, nil)

	// Verify the token up front. An invalid credential should fail fast
	// and visibly, not after the first stream reconnect.
	user, err := client.Me(ctx)
	if err != nil {
		if errors.Is(err, pushbullet.ErrAuth) {
			return fmt.Errorf("access token rejected; create a new one at "+
				"https://www.pushbullet.com/#settings/account: %w", err)
		}
		return fmt.Errorf("verifying account: %w", err)
	}
	logger.Info("authenticated", slog.String("user", user.Email))

	var cipher *pushbullet.Cipher
	if cfg.E2EEnabled() {
		key := pushbullet.DeriveKey(cfg.E2EPassword, user.Iden)

		cipher, err = pushbullet.NewCipher(key)
		pushbullet.ZeroKey(key)
		if err != nil {
			return fmt.Errorf("creating cipher: %w", err)
		}
		logger.Info("end-to-end decryption enabled")
	} else {
		logger.Warn("no e2e passphrase configured; encrypted ephemerals will be dropped")
	}

	// Preload the device catalog. Failure is tolerable: the dispatcher
	// renders with partial data when a device cannot be named.
	if devices, err := client.Devices(ctx); err != nil {
		logger.Warn("preloading devices failed", slog.String("error", err.Error()))
	} else if err := appState.SetDevices(devices); err != nil {
		logger.Warn("caching devices failed", slog.String("error", err.Error()))
	}

	sink, err := notify.NewDBusSink("Pushbullet", "phone")
	if err != nil {
		return fmt.Errorf("connecting notification sink: %w", err)
	}
	defer sink.Close()

	filter, err := relay.NewFilter(cfg.FiltersPath, logger)
	if err != nil {
		return fmt.Errorf("loading filters: %w", err)
	}

	store := dedup.New(dedup.DefaultCapacity)
	dispatcher := relay.NewDispatcher(sink, store, appState, logger)

	engine := relay.NewEngine(relay.EngineConfig{
		Token:      cfg.AccessToken,
		Client:     client,
		Cipher:     cipher,
		Store:      store,
		State:      appState,
		Filter:     filter,
		Dispatcher: dispatcher,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := filter.Watch(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		return engine.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("pbrelay stopped")

	return nil
}
