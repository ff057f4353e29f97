package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/crypto/acme/autocert"

	"kcbroker/server"
)

func main() {
	configPath := flag.String("config", "", "Path to optional YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	args := flag.Args()
	command := ""
	if len(args) > 0 && args[0] == "check" {
		command = "check"
		args = args[1:]
	}
	configFile := *configPath
	if configFile == "" && len(args) > 0 {
		configFile = args[0]
	}

	if *configCmd != "" {
		switch *configCmd {
		case "validate":
			if _, err := loadConfig(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'validate'", *configCmd)
		}
	}

	cfg, err := loadConfig(configFile, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if command == "check" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := runCheck(ctx, cfg, logger, nil); err != nil {
			logger.Error("identity provider check failed", "issuer", cfg.Keycloak.BaseURL, "error", err)
			os.Exit(1)
		}
		logger.Info("identity provider check succeeded", "realm", cfg.Keycloak.Realm)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := server.NewApp(cfg, logger)
	if err != nil {
		log.Fatalf("init app: %v", err)
	}

	handler := application.Routes()

	var shutdownFns []func(context.Context) error

	if !cfg.TLSEnabled() {
		srv := &http.Server{
			Addr:         cfg.ListenAddr(),
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, srv.Shutdown)
		logger.Info("server listening", "mode", "http", "addr", srv.Addr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("server error", "error", err)
				stop()
			}
		}()
	} else {
		m := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.Server.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Server.TLS.Domains...),
			Email:      cfg.Server.TLS.Email,
		}
		tlsCfg := &tls.Config{
			GetCertificate: m.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}

		httpRedirect := &http.Server{
			Addr:              cfg.Server.TLS.HTTPListenAddr,
			Handler:           m.HTTPHandler(http.HandlerFunc(redirectToHTTPS)),
			ReadHeaderTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpRedirect.Shutdown)
		go func() {
			if err := httpRedirect.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("http redirect error", "error", err)
			}
		}()

		httpsSrv := &http.Server{
			Addr:         cfg.Server.TLS.HTTPSListenAddr,
			Handler:      handler,
			TLSConfig:    tlsCfg,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		shutdownFns = append(shutdownFns, httpsSrv.Shutdown)
		logger.Info("server listening", "mode", "https", "addr", httpsSrv.Addr, "domains", cfg.Server.TLS.Domains)
		go func() {
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("https server error", "error", err)
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, fn := range shutdownFns {
		_ = fn(shutdownCtx)
	}
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	target := "https://" + r.Host + r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusMovedPermanently)
}

// runCheck confirms the realm publishes discovery metadata for the expected
// issuer and that the admin credentials are accepted.
func runCheck(ctx context.Context, cfg server.Config, logger *slog.Logger, httpClient *http.Client) error {
	if httpClient == nil {
		httpClient = server.NewHTTPClient(cfg.Keycloak.HTTPTimeout)
	}
	kc := server.NewKeycloak(cfg.Keycloak, httpClient, nil, logger)

	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, httpClient), kc.Issuer())
	if err != nil {
		return fmt.Errorf("discover realm: %w", err)
	}
	logger.Info("check.discovery", "issuer", kc.Issuer(), "token_endpoint", provider.Endpoint().TokenURL)

	tokens := server.NewAdminTokenCache(kc, cfg.Keycloak.AdminUsername, cfg.Keycloak.AdminPassword, logger)
	tok, err := tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("fetch admin token: %w", err)
	}
	logger.Info("check.admin_token", "expires_at", tok.ExpiresAt)
	return nil
}

func loadConfig(path string, logger *slog.Logger) (server.Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return server.Config{}, fmt.Errorf("config file not found at %s", path)
			}
			return server.Config{}, fmt.Errorf("stat config: %w", err)
		}
	}
	logger.Debug("loading config", "path", path)
	return server.LoadConfig(path)
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}
