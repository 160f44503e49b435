package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/redforge/mergegate/internal/cherrypick"
	"github.com/redforge/mergegate/internal/ci"
	"github.com/redforge/mergegate/internal/command"
	"github.com/redforge/mergegate/internal/config"
	"github.com/redforge/mergegate/internal/credlock"
	"github.com/redforge/mergegate/internal/dispatch"
	"github.com/redforge/mergegate/internal/gitops"
	ghhost "github.com/redforge/mergegate/internal/host/github"
	glhost "github.com/redforge/mergegate/internal/host/gitlab"
	"github.com/redforge/mergegate/internal/notify"
	"github.com/redforge/mergegate/internal/server"
	"github.com/redforge/mergegate/internal/worker"
)

var version = "dev"

const (
	defaultAddr = ":8080"
	botName     = "mergegate"
	botEmail    = "mergegate@users.noreply.github.com"
)

func usage() {
	fmt.Fprintf(os.Stderr, `mergegate — change request automation for GitHub and GitLab

Usage:
  mergegate serve [flags]            Start the webhook server
  mergegate setup-webhooks [flags]   Register webhooks on configured repositories
  mergegate version                  Print the version

Flags:
  --config   Config file path (default: %s, env: MERGEGATE_CONFIG)
  --addr     Listen address for serve (default: %s)
`, config.DefaultPath(), defaultAddr)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	subcmd := os.Args[1]
	rest := os.Args[2:]

	var err error
	switch subcmd {
	case "serve":
		err = runServe(rest)
	case "setup-webhooks":
		err = runSetupWebhooks(rest)
	case "--version", "version":
		fmt.Println("mergegate " + version)
		return
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "mergegate %s: %v\n", subcmd, err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (configPath, addr string) {
	configPath = config.DefaultPath()
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--addr":
			if i+1 < len(args) {
				addr = args[i+1]
				i++
			}
		}
	}
	return configPath, addr
}

func runServe(args []string) error {
	configPath, addr := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if addr == "" {
		addr = cfg.ListenAddr
	}
	if addr == "" {
		addr = defaultAddr
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool := worker.New(worker.Config{Workers: 4, QueueSize: 64, Logger: logger})

	// A single lock serializes pushes across repositories that share the bot's
	// credentials.
	pushLock := credlock.New(credlock.DefaultMaxWait)

	var registrations []server.Registration
	for _, repo := range cfg.Repositories {
		reg, err := buildRegistration(cfg, repo, pool, pushLock, logger)
		if err != nil {
			logger.Warn("skipping repository", "repository", repo.Name, "error", err)
			continue
		}
		registrations = append(registrations, reg)
		logger.Info("configured repository", "repository", repo.Name, "platform", repo.Platform)
	}
	if len(registrations) == 0 {
		return errors.New("no usable repositories configured")
	}

	srv := server.New(server.Config{
		Registrations: registrations,
		Pool:          pool,
		LogDir:        cfg.LogDir,
		Logger:        logger,
	})
	httpServer := &http.Server{Addr: addr, Handler: srv}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("stopping http server", "error", err)
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Warn("draining workers", "error", err)
	}
	return nil
}

func buildRegistration(cfg *config.Config, repo config.Repository, pool *worker.Pool, pushLock *credlock.Lock, logger *slog.Logger) (server.Registration, error) {
	repoLogger := logger.With("repository", repo.Name)

	if repo.IsGitLab() {
		var opts []glhost.Option
		if repo.GitLabBaseURL != "" {
			opts = append(opts, glhost.WithBaseURL(repo.GitLabBaseURL))
		}
		client, err := glhost.New(repo.GitLabProjectID, repo.Token, opts...)
		if err != nil {
			return server.Registration{}, fmt.Errorf("gitlab client: %w", err)
		}
		return server.Registration{
			Repo: repo,
			Handler: &dispatch.GitLabHandler{
				Repo:   repo,
				Host:   client,
				Parser: command.Parser{Prefix: '!', WelcomeBody: dispatch.WelcomeBody('!')},
				Logger: repoLogger,
			},
		}, nil
	}

	var opts []ghhost.Option
	if repo.App != nil {
		opts = append(opts, ghhost.WithAppAuth(ghhost.AppCredentials{
			ClientID:       repo.App.ClientID,
			InstallationID: repo.App.InstallationID,
			PrivateKeyPath: repo.App.PrivateKeyPath,
		}))
	}
	client, err := ghhost.New(repo.Owner(), repo.Repo(), repo.Token, opts...)
	if err != nil {
		return server.Registration{}, fmt.Errorf("github client: %w", err)
	}

	cloner := &gitops.Cloner{Token: repo.Token, BotName: botName, BotEmail: botEmail}
	notifier := notify.New(repo.SlackWebhookURL)

	runner := &ci.Runner{
		Repo:     repo,
		Status:   client,
		Notifier: notifier,
		Checkout: newCheckout(client, cloner),
		LogDir:   cfg.LogDir,
		BaseURL:  cfg.WebhookURL,
		Logger:   repoLogger,
	}

	picker := &cherrypick.Orchestrator{
		Host: client,
		Clone: func(ctx context.Context) (cherrypick.Workdir, error) {
			cloneURL, err := client.CloneURL(ctx)
			if err != nil {
				return nil, err
			}
			return cloner.Clone(ctx, cloneURL)
		},
		Lock:   pushLock,
		Logger: repoLogger,
	}

	return server.Registration{
		Repo: repo,
		Handler: &dispatch.Handler{
			Repo:     repo,
			Host:     client,
			CI:       runner,
			Picker:   picker,
			Deferrer: pool,
			Parser:   command.Parser{Prefix: '/', WelcomeBody: dispatch.WelcomeBody('/')},
			Logger:   repoLogger,
		},
	}, nil
}

// newCheckout materializes working copies for CI jobs. A positive number
// checks out that change request's head; otherwise the default branch is left
// checked out.
func newCheckout(client *ghhost.Client, cloner *gitops.Cloner) ci.CheckoutFunc {
	return func(ctx context.Context, number int) (string, func(), error) {
		cloneURL, err := client.CloneURL(ctx)
		if err != nil {
			return "", nil, err
		}
		wd, err := cloner.Clone(ctx, cloneURL)
		if err != nil {
			return "", nil, err
		}
		if number > 0 {
			ref, err := wd.FetchChangeRef(ctx, number)
			if err != nil {
				wd.Close()
				return "", nil, err
			}
			if err := wd.Checkout(ctx, ref); err != nil {
				wd.Close()
				return "", nil, err
			}
		}
		return wd.Dir, wd.Close, nil
	}
}

func runSetupWebhooks(args []string) error {
	configPath, _ := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.WebhookURL == "" {
		return errors.New("webhook_url must be set to register webhooks")
	}

	logger := newLogger(cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hookURL := strings.TrimSuffix(cfg.WebhookURL, "/") + "/webhook"
	g, ctx := errgroup.WithContext(ctx)
	for _, repo := range cfg.Repositories {
		if repo.IsGitLab() {
			// GitLab webhooks are managed per project in its settings.
			logger.Info("skipping gitlab repository", "repository", repo.Name)
			continue
		}
		g.Go(func() error {
			var opts []ghhost.Option
			if repo.App != nil {
				opts = append(opts, ghhost.WithAppAuth(ghhost.AppCredentials{
					ClientID:       repo.App.ClientID,
					InstallationID: repo.App.InstallationID,
					PrivateKeyPath: repo.App.PrivateKeyPath,
				}))
			}
			client, err := ghhost.New(repo.Owner(), repo.Repo(), repo.Token, opts...)
			if err != nil {
				return fmt.Errorf("%s: %w", repo.Name, err)
			}
			if err := client.EnsureWebhook(ctx, hookURL, repo.WebhookSecret); err != nil {
				return fmt.Errorf("%s: %w", repo.Name, err)
			}
			logger.Info("webhook registered", "repository", repo.Name, "url", hookURL)
			return nil
		})
	}
	return g.Wait()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
