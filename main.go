package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/Martian-dev/mailsync/internal/api"
	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/engine"
	"github.com/Martian-dev/mailsync/internal/logger"
	"github.com/Martian-dev/mailsync/internal/mail"
	natsjs "github.com/Martian-dev/mailsync/internal/nats"
	"github.com/Martian-dev/mailsync/internal/provider"
	"github.com/Martian-dev/mailsync/internal/providers/gmail"
	"github.com/Martian-dev/mailsync/internal/providers/outlook"
	"github.com/Martian-dev/mailsync/internal/store"
)

func main() {
	cfg, err := config.InitConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	zlog, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zlog.Sync()

	if err := run(cfg, zlog); err != nil {
		zlog.Fatal("mailsync stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	creds := auth.NewBetterAuthClient(cfg.App.AuthURL, cfg.App.AuthToken, log)
	registry := provider.NewRegistry()
	registry.Register(mail.ProviderGoogle, gmail.Factory(creds, log.Named("gmail")))
	registry.Register(mail.ProviderMicrosoft, outlook.Factory(creds, log.Named("outlook")))

	eng := engine.New(st, registry, log, cfg)

	if cfg.Nats.URL != "" {
		pub, err := natsjs.NewPublisher(cfg.Nats.URL, cfg.Nats.Subject, log)
		if err != nil {
			return err
		}
		defer func() {
			stop()
			pub.Close()
		}()
		if err := pub.EnsureStream(ctx); err != nil {
			return err
		}
		eng.PublishTo(pub)
		go pub.Run(ctx)
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Close()

	var verifier *auth.JWTVerifier
	if cfg.App.JWKSURL != "" {
		if verifier, err = auth.NewJWTVerifier(ctx, cfg.App.JWKSURL, log); err != nil {
			return err
		}
	} else {
		log.Warn("AUTH_JWKS_URL not set, API is unauthenticated")
	}

	return api.New(eng, verifier, log, cfg.App.APIPort).ListenAndServe(ctx)
}
