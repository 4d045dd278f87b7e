// Package cmd provides the CLI commands for notrition.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/fclairamb/notrition/internal/apperrors"
	"github.com/fclairamb/notrition/internal/auth"
	"github.com/fclairamb/notrition/internal/config"
	"github.com/fclairamb/notrition/internal/invalidate"
	"github.com/fclairamb/notrition/internal/notion"
	"github.com/fclairamb/notrition/internal/nutrition"
	"github.com/fclairamb/notrition/internal/server"
	"github.com/fclairamb/notrition/internal/store"
	"github.com/fclairamb/notrition/internal/sync"
	"github.com/fclairamb/notrition/internal/version"
)

// LogFormat represents the log output format.
type LogFormat string

const (
	// LogFormatText is the human-readable text format (default).
	LogFormatText LogFormat = "text"
	// LogFormatJSON is the JSON-formatted structured logs.
	LogFormatJSON LogFormat = "json"
)

// verboseFlag is the shared verbose flag for all commands.
var verboseFlag = &cli.BoolFlag{
	Name:  "verbose",
	Usage: "Enable verbose logging",
}

// userFlag selects the user whose pages and tokens a command works on.
var userFlag = &cli.StringFlag{
	Name:    "user",
	Aliases: []string{"u"},
	Usage:   "User ID",
	Value:   "local",
	Sources: cli.EnvVars("NTR_USER"),
}

type configKey struct{}

// configFrom returns the settings loaded by the root command.
func configFrom(ctx context.Context) *config.Config {
	if cfg, ok := ctx.Value(configKey{}).(*config.Config); ok {
		return cfg
	}
	return config.Default()
}

// setupLogging configures the global logger based on the verbose flag and NTR_LOG_FORMAT.
func setupLogging(ctx context.Context, cmd *cli.Command) {
	level := slog.LevelInfo
	if cmd.Bool("verbose") {
		level = slog.LevelDebug
	}

	cfg := configFrom(ctx)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch LogFormat(cfg.LogFormat) {
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))

	// Warn about invalid format after logger is set up
	if format := LogFormat(cfg.LogFormat); format != LogFormatText && format != LogFormatJSON {
		slog.Warn("Invalid NTR_LOG_FORMAT value, using text format", "value", cfg.LogFormat)
	}

	if level == slog.LevelDebug {
		slog.Debug("Verbose logging enabled")
	}
}

func beforeCommand(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	setupLogging(ctx, cmd)
	return ctx, nil
}

// NewApp creates the CLI application.
func NewApp() *cli.Command {
	return &cli.Command{
		Name:    "notrition",
		Usage:   "Cache Notion recipe pages and compute their nutrition facts",
		Version: version.String(),
		Flags:   []cli.Flag{verboseFlag},
		Before: func(ctx context.Context, _ *cli.Command) (context.Context, error) {
			cfg, err := config.Load()
			if err != nil {
				return ctx, err
			}
			return context.WithValue(ctx, configKey{}, cfg), nil
		},
		Commands: []*cli.Command{
			serveCommand(),
			syncCommand(),
			listCommand(),
			deleteCommand(),
			tokensCommand(),
			sessionCommand(),
		},
	}
}

// openStore opens the configured backend, wrapped by the git archive when one is set.
func openStore(ctx context.Context, cfg *config.Config, opts ...store.ArchiveOption) (store.Store, *store.Archive, error) {
	st, err := store.Open(ctx, cfg.StoreDriver, cfg.StoreDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	archiveCfg := cfg.Archive()
	if archiveCfg == nil {
		slog.Info("store opened", "driver", cfg.StoreDriver, "archive", false)
		return st, nil, nil
	}

	archive, err := store.NewArchive(st, *archiveCfg, append(opts, store.WithArchiveLogger(slog.Default()))...)
	if err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("open archive: %w", err)
	}
	slog.Info("store opened",
		"driver", cfg.StoreDriver,
		"archive", archiveCfg.Path,
		"archive_remote", archiveCfg.IsRemoteEnabled())
	return archive, archive, nil
}

func closeStore(st store.Store) {
	if err := st.Close(); err != nil {
		slog.Warn("failed to close store", "error", err)
	}
}

// newConnector creates the server side Notion connector.
func newConnector(cfg *config.Config, tokens store.TokenStore) *notion.TokenConnector {
	return notion.NewTokenConnector(store.Resolver{Tokens: tokens}, slog.Default(),
		notion.WithBaseURL(cfg.NotionBaseURL),
		notion.WithMaxChildPages(cfg.NotionMaxChildPages),
		notion.WithRateLimiter(notion.NewRateLimiter()))
}

// newNutrition returns the Edamam client, or nil when it is not configured.
func newNutrition(cfg *config.Config) (*nutrition.Client, error) {
	if !cfg.NutritionEnabled() {
		return nil, nil //nolint:nilnil // nutrition is optional
	}
	opts := []nutrition.ClientOption{nutrition.WithLogger(slog.Default())}
	if cfg.EdamamBaseURL != "" {
		opts = append(opts, nutrition.WithBaseURL(cfg.EdamamBaseURL))
	}
	client, err := nutrition.NewClient(cfg.EdamamAppID, cfg.EdamamAppKey, opts...)
	if err != nil {
		return nil, fmt.Errorf("create nutrition client: %w", err)
	}
	return client, nil
}

// nutritionFetcher keeps a nil client a nil interface.
func nutritionFetcher(client *nutrition.Client) sync.NutritionFetcher {
	if client == nil {
		return nil
	}
	return client
}

// newBus connects to Redis when configured, and falls back to an in-process bus.
func newBus(ctx context.Context, cfg *config.Config) (invalidate.Bus, func(), error) {
	if cfg.RedisURL == "" {
		return invalidate.NewMemoryBus(), func() {}, nil
	}
	bus, err := invalidate.NewRedisBus(ctx, cfg.RedisURL, slog.Default())
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	return bus, func() {
		if err := bus.Close(); err != nil {
			slog.Warn("failed to close redis bus", "error", err)
		}
	}, nil
}

func newSessions(cfg *config.Config) (*auth.Sessions, error) {
	if cfg.SessionSecret == "" {
		return nil, apperrors.ErrSessionSecretRequired
	}
	return auth.NewSessions(cfg.SessionSecret, cfg.SessionTTL)
}

// serveCommand creates the serve subcommand.
//
//nolint:funlen // wiring of every collaborator
func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Start the API server",
		Flags:  []cli.Flag{verboseFlag},
		Before: beforeCommand,
		Action: func(ctx context.Context, _ *cli.Command) error {
			cfg := configFrom(ctx)

			sessions, err := newSessions(cfg)
			if err != nil {
				return err
			}

			// The pusher exists before the archive so that commits can notify it
			var pusher *server.ArchivePusher
			var archiveOpts []store.ArchiveOption
			target := &pushTarget{}
			if archiveCfg := cfg.Archive(); archiveCfg != nil && archiveCfg.IsRemoteEnabled() {
				pusher = server.NewArchivePusher(target, slog.Default(), server.WithPushDelay(cfg.ArchivePushDelay))
				archiveOpts = append(archiveOpts, store.WithCommitHook(pusher.Notify))
			}

			st, archive, err := openStore(ctx, cfg, archiveOpts...)
			if err != nil {
				return err
			}
			defer closeStore(st)
			target.archive = archive

			return serve(ctx, cfg, st, sessions, pusher)
		},
	}
}

// pushTarget lets the pusher be created before the archive it pushes.
type pushTarget struct {
	archive *store.Archive
}

func (p *pushTarget) Push(ctx context.Context) error {
	if p.archive == nil {
		return apperrors.ErrRemoteNotConfigured
	}
	return p.archive.Push(ctx)
}

func serve(ctx context.Context, cfg *config.Config, st store.Store, sessions *auth.Sessions, pusher *server.ArchivePusher) error {
	bus, closeBus, err := newBus(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBus()

	nutritionClient, err := newNutrition(cfg)
	if err != nil {
		return err
	}
	if nutritionClient == nil {
		slog.Warn("nutrition disabled: NTR_EDAMAM_APP_ID and NTR_EDAMAM_APP_KEY are not set")
	}

	connector := newConnector(cfg, st)
	engine := sync.NewEngine(sync.EngineConfig{
		Store:     st,
		Connector: connector,
		Nutrition: nutritionFetcher(nutritionClient),
		Bus:       bus,
		Logger:    slog.Default(),
	})

	deps := server.Deps{
		Store:     st,
		Engine:    engine,
		Trackers:  sync.NewTrackerRegistry(),
		Sessions:  sessions,
		Notion:    connector,
		Nutrition: nutritionFetcher(nutritionClient),
		Bus:       bus,
	}
	if cfg.OAuthEnabled() {
		deps.OAuth = notion.NewOAuthExchanger(cfg.NotionClientID, cfg.NotionClientSecret,
			cfg.NotionRedirectURL, cfg.NotionBaseURL)
	}

	srv := server.NewServer(server.Config{ListenAddr: cfg.ListenAddr}, deps, slog.Default(), pusher)
	return srv.Start(ctx)
}

// syncCommand creates the sync subcommand.
//
//nolint:funlen // flag declarations
func syncCommand() *cli.Command {
	return &cli.Command{
		Name:      "sync",
		Usage:     "Sync a recipe page into the local cache",
		ArgsUsage: "<page_id_or_url>",
		Flags: []cli.Flag{
			userFlag,
			&cli.StringSliceFlag{
				Name:    "credential",
				Aliases: []string{"c"},
				Usage:   "Access token IDs to try, in order (default: all tokens of the user)",
			},
			&cli.BoolFlag{
				Name:    "nutrition",
				Aliases: []string{"n"},
				Usage:   "Compute nutrition facts when the page changed",
			},
			&cli.StringFlag{
				Name:    "remote",
				Usage:   "Reach Notion through the proxy of this notrition server",
				Sources: cli.EnvVars("NTR_REMOTE_URL"),
			},
			&cli.StringFlag{
				Name:    "session",
				Usage:   "Session token for --remote",
				Sources: cli.EnvVars("NTR_SESSION"),
			},
			verboseFlag,
		},
		Before: beforeCommand,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() < 1 {
				return apperrors.ErrPageIDRequired
			}
			pageID, err := notion.ParsePageIDOrURL(cmd.Args().Get(0))
			if err != nil {
				return fmt.Errorf("invalid page ID or URL: %w", err)
			}

			cfg := configFrom(ctx)
			st, _, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore(st)

			var connector notion.Connector = newConnector(cfg, st)
			credentials := cmd.StringSlice("credential")
			if remote := cmd.String("remote"); remote != "" {
				// Tokens live on the server: they must be named
				if cmd.String("session") == "" {
					return fmt.Errorf("--remote: %w", apperrors.ErrInvalidSession)
				}
				if len(credentials) == 0 {
					return fmt.Errorf("--remote: %w", apperrors.ErrNoCredentials)
				}
				connector = notion.NewProxyClient(remote, cmd.String("session"),
					notion.WithProxyLogger(slog.Default()),
					notion.WithProxyMaxChildPages(cfg.NotionMaxChildPages))
			} else if len(credentials) == 0 {
				if credentials, err = store.CredentialIDs(ctx, st, cmd.String("user")); err != nil {
					return err
				}
			}

			nutritionClient, err := newNutrition(cfg)
			if err != nil {
				return err
			}

			engine := sync.NewEngine(sync.EngineConfig{
				Store:     st,
				Connector: connector,
				Nutrition: nutritionFetcher(nutritionClient),
				Logger:    slog.Default(),
			})

			page, err := engine.Run(ctx, sync.Params{
				NotionPageID:    pageID,
				UserID:          cmd.String("user"),
				Access:          sync.CandidateCredentials(credentials),
				UpdateNutrition: cmd.Bool("nutrition"),
			}, displayProgress)
			if err != nil {
				return fmt.Errorf("sync page: %w", err)
			}

			displayRecipePage(page)
			return nil
		},
	}
}

// listCommand creates the list subcommand.
func listCommand() *cli.Command {
	return &cli.Command{
		Name:   "list",
		Usage:  "List the cached recipe pages",
		Flags:  []cli.Flag{userFlag, verboseFlag},
		Before: beforeCommand,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			st, _, err := openStore(ctx, configFrom(ctx))
			if err != nil {
				return err
			}
			defer closeStore(st)

			pages, err := st.SelectPages(ctx, store.PageFilter{UserID: cmd.String("user")})
			if err != nil {
				return fmt.Errorf("list pages: %w", err)
			}

			displayPageList(pages)
			return nil
		},
	}
}

// deleteCommand creates the delete subcommand.
func deleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Usage:     "Remove a recipe page from the cache",
		ArgsUsage: "<page_id_or_url>",
		Flags:     []cli.Flag{userFlag, verboseFlag},
		Before:    beforeCommand,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() < 1 {
				return apperrors.ErrPageIDRequired
			}
			pageID, err := notion.ParsePageIDOrURL(cmd.Args().Get(0))
			if err != nil {
				return fmt.Errorf("invalid page ID or URL: %w", err)
			}

			st, _, err := openStore(ctx, configFrom(ctx))
			if err != nil {
				return err
			}
			defer closeStore(st)

			n, err := st.DeletePages(ctx, store.PageFilter{UserID: cmd.String("user"), NotionPageID: pageID})
			if err != nil {
				return fmt.Errorf("delete page: %w", err)
			}
			if n == 0 {
				return apperrors.ErrRecipePageNotFound
			}

			slog.Info("recipe page deleted", "page_id", pageID)
			return nil
		},
	}
}

// tokensCommand creates the tokens subcommand.
//
//nolint:funlen // subcommands
func tokensCommand() *cli.Command {
	return &cli.Command{
		Name:  "tokens",
		Usage: "Manage Notion access tokens",
		Commands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Register an internal integration token",
				Flags: []cli.Flag{
					userFlag,
					&cli.StringFlag{
						Name:     "token",
						Usage:    "Notion integration secret",
						Sources:  cli.EnvVars("NOTION_TOKEN"),
						Required: true,
					},
					&cli.StringFlag{
						Name:  "workspace",
						Usage: "Workspace name",
					},
					verboseFlag,
				},
				Before: beforeCommand,
				Action: func(ctx context.Context, cmd *cli.Command) error {
					st, _, err := openStore(ctx, configFrom(ctx))
					if err != nil {
						return err
					}
					defer closeStore(st)

					token := &store.AccessToken{
						UserID:        cmd.String("user"),
						AccessToken:   cmd.String("token"),
						WorkspaceName: cmd.String("workspace"),
					}
					if err := st.InsertToken(ctx, token); err != nil {
						return fmt.Errorf("add token: %w", err)
					}

					displayToken(token)
					return nil
				},
			},
			{
				Name:   "list",
				Usage:  "List the tokens of a user",
				Flags:  []cli.Flag{userFlag, verboseFlag},
				Before: beforeCommand,
				Action: func(ctx context.Context, cmd *cli.Command) error {
					st, _, err := openStore(ctx, configFrom(ctx))
					if err != nil {
						return err
					}
					defer closeStore(st)

					tokens, err := st.SelectTokens(ctx, store.TokenFilter{UserID: cmd.String("user")})
					if err != nil {
						return fmt.Errorf("list tokens: %w", err)
					}
					for i := range tokens {
						displayToken(&tokens[i])
					}
					return nil
				},
			},
			{
				Name:      "delete",
				Usage:     "Remove a token",
				ArgsUsage: "<token_id>",
				Flags:     []cli.Flag{userFlag, verboseFlag},
				Before:    beforeCommand,
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if cmd.Args().Len() < 1 {
						return apperrors.ErrAccessTokenNotFound
					}
					st, _, err := openStore(ctx, configFrom(ctx))
					if err != nil {
						return err
					}
					defer closeStore(st)

					n, err := st.DeleteTokens(ctx, store.TokenFilter{ID: cmd.Args().Get(0), UserID: cmd.String("user")})
					if err != nil {
						return fmt.Errorf("delete token: %w", err)
					}
					if n == 0 {
						return apperrors.ErrAccessTokenNotFound
					}
					return nil
				},
			},
		},
	}
}

// sessionCommand creates the session subcommand.
func sessionCommand() *cli.Command {
	return &cli.Command{
		Name:  "session",
		Usage: "Manage session tokens",
		Commands: []*cli.Command{
			{
				Name:   "issue",
				Usage:  "Issue a session token for a user",
				Flags:  []cli.Flag{userFlag, verboseFlag},
				Before: beforeCommand,
				Action: func(ctx context.Context, cmd *cli.Command) error {
					sessions, err := newSessions(configFrom(ctx))
					if err != nil {
						return err
					}
					token, err := sessions.Issue(cmd.String("user"))
					if err != nil {
						return fmt.Errorf("issue session: %w", err)
					}
					displaySession(token)
					return nil
				},
			},
		},
	}
}
