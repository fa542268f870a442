package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dropDatabas3/veil/internal/authn"
	"github.com/dropDatabas3/veil/internal/authz"
	"github.com/dropDatabas3/veil/internal/claims"
	"github.com/dropDatabas3/veil/internal/client"
	"github.com/dropDatabas3/veil/internal/config"
	"github.com/dropDatabas3/veil/internal/cookie"
	"github.com/dropDatabas3/veil/internal/http/controllers"
	"github.com/dropDatabas3/veil/internal/http/router"
	"github.com/dropDatabas3/veil/internal/logout"
	"github.com/dropDatabas3/veil/internal/metrics"
	"github.com/dropDatabas3/veil/internal/observability/logger"
	"github.com/dropDatabas3/veil/internal/par"
	"github.com/dropDatabas3/veil/internal/security/secretbox"
	"github.com/dropDatabas3/veil/internal/session"
	"github.com/dropDatabas3/veil/internal/token"
	"github.com/dropDatabas3/veil/internal/user"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: could not load .env: %v\n", err)
	}

	cfgPath := envOr("VEIL_CONFIG", "veil.yaml")

	root := &cobra.Command{
		Use:   "veil",
		Short: "veil OpenID Connect provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfgPath)
		},
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", cfgPath, "path to the YAML config (env VEIL_CONFIG)")

	root.AddCommand(keygenCmd(), hashPasswordCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Init(logger.Config{
		Env:         cfg.App.Env,
		Level:       envOr("LOG_LEVEL", "info"),
		ServiceName: "veil",
	})
	defer func() { _ = logger.Sync() }()
	log := logger.Named("main")

	keys, err := buildKeystore(cfg)
	if err != nil {
		return fmt.Errorf("keystore: %w", err)
	}
	tokenLifetime, _ := cfg.TokenLifetime()
	codec := token.NewJWTCodec(cfg.Provider.Issuer, keys, tokenLifetime)
	handlers := token.NewUniformHandlerSet(codec)

	store, err := session.NewStorage(ctx, cfg.Session.Storage)
	if err != nil {
		return fmt.Errorf("session storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	sessions := session.NewManager(store, handlers, cfg.Provider.Salt)
	sessions.GrantValidity, _ = cfg.GrantValidity()

	registry := client.NewStaticRegistry(cfg.Clients)
	users := user.NewDirectory(cfg.Users)

	broker := authn.NewBroker()
	broker.Register(authn.NewPasswordMethod(users))

	resolver := claims.NewResolver(cfg.Claims.Policies, registry, users)

	parTTL, _ := cfg.ParTTL()
	requests := par.NewStore(parTTL)

	box, err := buildBox(cfg, log)
	if err != nil {
		return fmt.Errorf("secretbox: %w", err)
	}
	dealer := cookie.NewDealer(box)

	flow := authz.NewFlow(authz.Deps{
		Sessions:      sessions,
		Clients:       registry,
		Broker:        broker,
		Requests:      requests,
		Issuer:        cfg.Provider.Issuer,
		AllowedScopes: cfg.Provider.AllowedScopes,
	})

	var sessionState func(clientID, redirectURI, browserState string) string
	if cfg.Provider.CheckSession {
		salt := cfg.Provider.Salt
		sessionState = func(clientID, redirectURI, browserState string) string {
			return cookie.ComputeSessionState(browserState, salt, clientID, redirectURI)
		}
	}
	builder := authz.NewBuilder(authz.BuilderDeps{
		Sessions:     sessions,
		Claims:       resolver,
		Issuer:       cfg.Provider.Issuer,
		SessionState: sessionState,
	})

	coordinator := logout.NewCoordinator(logout.Deps{
		Sessions: sessions,
		Clients:  registry,
		Keys:     keys,
		Tokens:   handlers,
		Box:      box,
		Issuer:   cfg.Provider.Issuer,
	})

	if err := metrics.Register(nil); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	handler := router.New(router.Controllers{
		Authorize:  controllers.NewAuthorizeController(flow, builder, dealer),
		PAR:        controllers.NewPARController(requests, registry),
		EndSession: controllers.NewEndSessionController(coordinator, dealer),
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("issuer", cfg.Provider.Issuer),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func buildKeystore(cfg *config.Config) (*token.Keystore, error) {
	if cfg.Keys.SigningSeed == "" {
		return token.NewKeystore()
	}
	seed, err := base64.StdEncoding.DecodeString(cfg.Keys.SigningSeed)
	if err != nil {
		return nil, fmt.Errorf("decode signing seed: %w", err)
	}
	return token.NewKeystoreFromSeed(seed)
}

// buildBox returns the cookie/sid sealer. Without a configured key it
// generates an ephemeral one, which invalidates cookies across restarts.
func buildBox(cfg *config.Config, log *zap.Logger) (*secretbox.Box, error) {
	if cfg.Keys.SecretBoxKey != "" {
		return secretbox.NewFromBase64(cfg.Keys.SecretBoxKey)
	}
	log.Warn("no secretbox key configured, using an ephemeral key")
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return secretbox.New(key)
}

// keygenCmd prints fresh key material for the keys section of the config.
func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a signing seed and secretbox key",
		RunE: func(cmd *cobra.Command, args []string) error {
			seed := make([]byte, ed25519.SeedSize)
			if _, err := rand.Read(seed); err != nil {
				return err
			}
			boxKey := make([]byte, 32)
			if _, err := rand.Read(boxKey); err != nil {
				return err
			}
			fmt.Printf("signing_seed: %s\n", base64.StdEncoding.EncodeToString(seed))
			fmt.Printf("secretbox_key: %s\n", base64.StdEncoding.EncodeToString(boxKey))
			return nil
		},
	}
}

// hashPasswordCmd hashes a password for the users section of the config.
func hashPasswordCmd() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print the bcrypt hash of a password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := authn.HashPassword(args[0], cost)
			if err != nil {
				return err
			}
			fmt.Println(h)
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", 0, "bcrypt cost (0 uses the default)")
	return cmd
}
