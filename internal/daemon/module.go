package daemon

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"

	"github.com/matheus3301/todosync/internal/api"
	"github.com/matheus3301/todosync/internal/auth"
	"github.com/matheus3301/todosync/internal/bus"
	"github.com/matheus3301/todosync/internal/config"
	"github.com/matheus3301/todosync/internal/lock"
	"github.com/matheus3301/todosync/internal/logging"
	"github.com/matheus3301/todosync/internal/loop"
	"github.com/matheus3301/todosync/internal/notify"
	"github.com/matheus3301/todosync/internal/rest"
	"github.com/matheus3301/todosync/internal/session"
	"github.com/matheus3301/todosync/internal/status"
	"github.com/matheus3301/todosync/internal/store"
	intsync "github.com/matheus3301/todosync/internal/sync"
	"github.com/matheus3301/todosync/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // optional override; empty = ~/.todosync/config.toml
}

// loopDepth bounds the work queued on the session loop.
const loopDepth = 256

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideHTTPClient,
			provideAuth,
			provideRESTClient,
			provideChannel,
			provideLoop,
			provideGate,
			provideEngine,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if err := config.LoadDotEnv(session.EnvPath(), ".env"); err != nil {
		return nil, err
	}
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, cfg.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName), cfg.ServerURL)
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(b *bus.Bus, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(b)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	return db, nil
}

// provideHTTPClient builds the client shared by REST calls and the websocket
// handshake so both carry the same cookies.
func provideHTTPClient(cfg *config.Config) (*http.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &http.Client{Timeout: cfg.RequestTimeout.Duration, Jar: jar}, nil
}

func provideAuth(b *bus.Bus, logger *zap.Logger) *auth.Session {
	return auth.NewSession(b, logger.Named("auth"))
}

func provideRESTClient(cfg *config.Config, hc *http.Client, sess *auth.Session, logger *zap.Logger) (*rest.Client, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	return rest.New(rest.Options{
		BaseURL:    cfg.ServerURL,
		Timeout:    cfg.RequestTimeout.Duration,
		Location:   loc,
		HTTPClient: hc,
	}, sess, logger.Named("rest"))
}

func provideChannel(cfg *config.Config, client *rest.Client, hc *http.Client, sess *auth.Session, m *status.Machine, b *bus.Bus, logger *zap.Logger) *transport.Channel {
	base := client.BaseURL()
	// The handshake must not inherit the REST timeout; the stream is long lived.
	wsClient := &http.Client{Jar: hc.Jar}
	header := func() (http.Header, error) {
		token, err := sess.Token()
		if err != nil {
			return nil, err
		}
		h := http.Header{}
		h.Set("Authorization", "Bearer "+token)
		return h, nil
	}
	return transport.New(transport.Options{
		Dial:           transport.WebsocketDialer(transport.WebsocketURL(base, cfg.WSPath), wsClient, header),
		Token:          sess.Token,
		Host:           base.Hostname(),
		ReconnectDelay: cfg.ReconnectDelay.Duration,
		HeartBeat:      cfg.HeartBeat.Duration,
		ConnectTimeout: cfg.RequestTimeout.Duration,
	}, m, b, logger.Named("transport"))
}

func provideLoop() *loop.Loop {
	return loop.New(loopDepth)
}

func provideGate(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *notify.Gate {
	return notify.NewGate(notify.NewBusNotifier(b, logger.Named("notify")), cfg.NotificationPreview)
}

func provideEngine(cfg *config.Config, l *loop.Loop, db *store.DB, client *rest.Client, ch *transport.Channel, gate *notify.Gate, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(l, db, client, client.Codec, ch, gate, b, logger.Named("sync"), intsync.Options{
		PageSize:     cfg.MessagePageSize,
		SubscribeAll: cfg.SubscribeAllChats,
		NoticeTTL:    cfg.NoticeTTL.Duration,
	})
}

func provideService(p Params, engine *intsync.Engine, m *status.Machine, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(p.SessionName, engine, m, b, logger.Named("api"))
}

// signIn installs a configured token, or exchanges configured credentials
// for one. With neither, the channel reports UNAUTHORIZED until a token is
// supplied.
func signIn(ctx context.Context, cfg *config.Config, sess *auth.Session, client *rest.Client, logger *zap.Logger) error {
	switch {
	case cfg.Token != "":
		return sess.Set(cfg.Token)
	case cfg.Username != "" && cfg.Password != "":
		u, err := client.Login(ctx, cfg.Username, cfg.Password)
		if err != nil {
			return err
		}
		logger.Info("signed in", zap.String("user", u.Username))
		return nil
	default:
		logger.Warn("no token or credentials configured")
		return nil
	}
}

type lifecycleDeps struct {
	fx.In

	Config  *config.Config
	Server  *Server
	Lock    *lock.Lock
	DB      *store.DB
	Auth    *auth.Session
	Client  *rest.Client
	Channel *transport.Channel
	Loop    *loop.Loop
	Engine  *intsync.Engine
	Logger  *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	loopCtx, stopLoop := context.WithCancel(context.Background())
	bootCtx, stopBoot := context.WithCancel(context.Background())
	booted := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			d.Loop.Start(loopCtx)

			// Start gRPC server in background.
			go func() {
				if err := d.Server.Start(); err != nil {
					d.Logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if err := signIn(ctx, d.Config, d.Auth, d.Client, d.Logger); err != nil {
				d.Logger.Error("sign in failed", zap.Error(err))
			}

			// Bootstrap runs in the background; a failure is retried on the
			// first successful connect.
			go func() {
				defer close(booted)
				if err := d.Engine.Start(bootCtx); err != nil {
					d.Logger.Warn("bootstrap failed", zap.Error(err))
				}
			}()

			d.Channel.Start(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			d.Server.Stop(ctx)
			d.Channel.Stop()
			stopBoot()
			<-booted
			d.Engine.Stop()
			stopLoop()
			<-d.Loop.Done()
			if err := d.DB.Close(); err != nil {
				d.Logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				d.Logger.Warn("error releasing lock", zap.Error(err))
			}
			d.Logger.Info("daemon stopped")
			return nil
		},
	})
}
