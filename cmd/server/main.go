package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/chrisflatley/keycloak/internal/auth"
	"github.com/chrisflatley/keycloak/internal/core"
	"github.com/chrisflatley/keycloak/internal/crypto"
	"github.com/chrisflatley/keycloak/internal/events"
	"github.com/chrisflatley/keycloak/internal/forms"
	"github.com/chrisflatley/keycloak/internal/protocol"
	"github.com/chrisflatley/keycloak/internal/realm"
	"github.com/chrisflatley/keycloak/internal/saml"
	"github.com/chrisflatley/keycloak/internal/session"
	"github.com/chrisflatley/keycloak/internal/user"
)

func main() {
	cfg := core.LoadConfig()

	logger := newLogger(cfg)
	defer logger.Sync()

	realms, err := realm.NewStore(cfg.DataDir)
	if err != nil {
		logger.Fatal("open realm store", zap.Error(err))
	}
	defer realms.Close()

	eventStore, err := events.NewStore(cfg.DataDir)
	if err != nil {
		logger.Fatal("open event store", zap.Error(err))
	}
	defer eventStore.Close()

	stream := events.NewStream(logger)
	recorder := events.NewRecorder(logger, eventStore, stream)

	sessions := session.NewStore()
	users := user.NewStore()

	if cfg.SeedDemoRealm {
		if err := seedDemoRealm(cfg, realms, users); err != nil {
			logger.Fatal("seed demo realm", zap.Error(err))
		}
	}

	renderer := forms.NewRenderer(logger)

	manager := auth.NewManager(auth.Config{
		BaseURL:   cfg.BaseURL,
		Realms:    realms,
		Sessions:  sessions,
		Users:     users,
		Forms:     renderer,
		Events:    recorder,
		Logger:    logger,
		Negotiate: cfg.Negotiate,
	})

	svc := saml.NewService(saml.Config{
		BaseURL:  cfg.BaseURL,
		Realms:   realms,
		Sessions: sessions,
		Forms:    renderer,
		Events:   recorder,
		Logger:   logger,
	})

	svc.SetAuthenticator(manager)
	manager.SetProtocol(svc)

	registry := protocol.NewRegistry()
	registry.Register(svc)
	registry.Register(manager)

	server := core.NewServer(cfg, logger, registry, realms, eventStore, stream)
	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting",
			zap.String("addr", cfg.ListenAddr),
			zap.String("base_url", cfg.BaseURL),
			zap.String("environment", cfg.Environment),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("forced shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}

func newLogger(cfg *core.Config) *zap.Logger {
	var logCfg zap.Config
	if cfg.IsDevelopment() {
		logCfg = zap.NewDevelopmentConfig()
	} else {
		logCfg = zap.NewProductionConfig()
	}
	if cfg.Debug {
		logCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := logCfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

// seedDemoRealm provisions a realm with one SP client and the demo
// accounts so the server is usable straight after first start. An
// already-seeded store is left untouched.
func seedDemoRealm(cfg *core.Config, realms *realm.Store, users *user.Store) error {
	ctx := context.Background()

	if _, err := realms.Realm(ctx, "demo"); err == nil {
		users.SeedDemoUsers("demo")
		return nil
	} else if !errors.Is(err, realm.ErrNotFound) {
		return err
	}

	keys, err := crypto.NewKeySet("demo")
	if err != nil {
		return err
	}

	rlm := &realm.Realm{
		Name:           "demo",
		Enabled:        true,
		SSLRequired:    realm.SSLRequiredExternal,
		PrivateKeyPEM:  keys.PrivateKeyPEM(),
		CertificatePEM: keys.CertificatePEM(),
	}
	if err := realms.CreateRealm(ctx, rlm); err != nil && !errors.Is(err, realm.ErrConflict) {
		return err
	}

	spBase := "http://localhost:3000"
	client := &realm.Client{
		Realm:    "demo",
		ClientID: spBase + "/saml/metadata",
		Name:     "Demo Application",
		Enabled:  true,
		RootURL:  spBase,
		RedirectURIs: []string{
			"/saml/acs",
			"/saml/acs/*",
		},
		Attributes: map[string]string{
			realm.AttrServerSignature: "true",
			realm.AttrSignatureAlg:    "RSA_SHA256",
			realm.AttrACSPost:         spBase + "/saml/acs",
			realm.AttrACSRedirect:     spBase + "/saml/acs",
			realm.AttrLogoutPost:      spBase + "/saml/slo",
			realm.AttrNameIDFormat:    "email",
		},
	}
	if err := realms.CreateClient(ctx, client); err != nil && !errors.Is(err, realm.ErrConflict) {
		return err
	}

	users.SeedDemoUsers("demo")
	return nil
}
