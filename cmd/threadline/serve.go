package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/threadline/threadline/internal/backend"
	"github.com/threadline/threadline/internal/chat"
	"github.com/threadline/threadline/internal/config"
	"github.com/threadline/threadline/internal/conversation"
	"github.com/threadline/threadline/internal/db"
	"github.com/threadline/threadline/internal/handlers"
	"github.com/threadline/threadline/internal/inbound"
	"github.com/threadline/threadline/internal/knowledge"
	"github.com/threadline/threadline/internal/logger"
	"github.com/threadline/threadline/internal/merge"
	"github.com/threadline/threadline/internal/phone"
	"github.com/threadline/threadline/internal/server"
	"github.com/threadline/threadline/internal/session"
	"github.com/threadline/threadline/internal/summary"
	"github.com/threadline/threadline/internal/tools"
	"github.com/threadline/threadline/internal/version"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the conversation server",
		RunE: func(cmd *cobra.Command, args []string) error {
			newApp().Run()
			return nil
		},
	}
}

func newApp() *fx.App {
	return fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBConn,
			provideStore,
			provideMatcher,
			provideCompleter,
			provideGenerator,
			provideMergeEngine,
			provideAssembler,
			session.NewRegistry,
			tools.NewRegistry,
			chat.NewDriver,
			knowledge.NewService,
			inbound.NewProcessor,
			provideSweeper,

			provideServerHandler(providePingHandler),
			provideServerHandler(provideAuthHandler),
			provideServerHandler(provideWebhookHandler),
			provideServerHandler(provideWebChatHandler),
			provideServerHandler(provideConversationsHandler),
			provideServerHandler(provideKnowledgeHandler),

			provideServer,
		),
		fx.Invoke(
			registerTools,
			startSweeper,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	)
}

func provideConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, err := db.Open(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			conn.Close()
			return nil
		},
	})
	return conn, nil
}

func provideStore(log *slog.Logger, pool *pgxpool.Pool) conversation.Store {
	return conversation.NewPGStore(log, pool)
}

func provideMatcher(log *slog.Logger, cfg config.Config) *phone.Matcher {
	return phone.NewMatcher(log, cfg.Matcher)
}

func provideCompleter(log *slog.Logger, cfg config.Config) backend.Completer {
	return backend.NewClient(log, cfg.Backend)
}

func provideGenerator(log *slog.Logger, completer backend.Completer, cfg config.Config) *summary.Generator {
	return summary.NewGenerator(log, completer, cfg.Summary)
}

func provideMergeEngine(log *slog.Logger, store conversation.Store, generator *summary.Generator) *merge.Engine {
	return merge.NewEngine(log, store, generator)
}

func provideAssembler(cfg config.Config) *chat.Assembler {
	return chat.NewAssembler(cfg.Context, cfg.Summary)
}

func provideSweeper(log *slog.Logger, store conversation.Store, generator *summary.Generator, processor *inbound.Processor, cfg config.Config) *summary.Sweeper {
	return summary.NewSweeper(log, store, generator, processor, cfg.Sweeper)
}

func providePingHandler(log *slog.Logger) *handlers.PingHandler {
	return handlers.NewPingHandler(log)
}

func provideAuthHandler(log *slog.Logger, cfg config.Config) (*handlers.AuthHandler, error) {
	expiresIn, err := time.ParseDuration(cfg.Auth.JWTExpiresIn)
	if err != nil {
		return nil, fmt.Errorf("parse jwt_expires_in: %w", err)
	}
	return handlers.NewAuthHandler(log, cfg.Admin, cfg.Auth.JWTSecret, expiresIn), nil
}

func provideWebhookHandler(log *slog.Logger, processor *inbound.Processor) *handlers.WebhookHandler {
	return handlers.NewWebhookHandler(log, processor)
}

func provideWebChatHandler(log *slog.Logger, processor *inbound.Processor, sessions *session.Registry) *handlers.WebChatHandler {
	return handlers.NewWebChatHandler(log, processor, sessions)
}

func provideConversationsHandler(log *slog.Logger, store conversation.Store, generator *summary.Generator) *handlers.ConversationsHandler {
	return handlers.NewConversationsHandler(log, store, generator)
}

func provideKnowledgeHandler(log *slog.Logger, service *knowledge.Service) *handlers.KnowledgeHandler {
	return handlers.NewKnowledgeHandler(log, service)
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, params.ServerHandlers...)
}

// registerTools fills the tool registry once the processor exists; the recall
// tool closes the loop between the model and the merge engine.
func registerTools(registry *tools.Registry, service *knowledge.Service, processor *inbound.Processor) {
	registry.MustRegister(tools.NewClockTool())
	registry.MustRegister(tools.NewKnowledgeTool(service))
	registry.MustRegister(tools.NewRecallTool(processor))
}

func startSweeper(lc fx.Lifecycle, sweeper *summary.Sweeper) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return sweeper.Start()
		},
		OnStop: func(ctx context.Context) error {
			sweeper.Stop()
			return nil
		},
	})
}

func startServer(
	lc fx.Lifecycle,
	logger *slog.Logger,
	srv *server.Server,
	shutdowner fx.Shutdowner,
) {
	fmt.Printf("Starting Threadline %s\n", version.GetInfo())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil { // block until server is stopped
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
