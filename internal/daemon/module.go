package daemon

import (
	"context"
	"os"

	"github.com/Wondergasper/connectify-core/internal/api"
	"github.com/Wondergasper/connectify-core/internal/bus"
	"github.com/Wondergasper/connectify-core/internal/config"
	"github.com/Wondergasper/connectify-core/internal/identity"
	"github.com/Wondergasper/connectify-core/internal/lock"
	"github.com/Wondergasper/connectify-core/internal/logging"
	"github.com/Wondergasper/connectify-core/internal/outbox"
	"github.com/Wondergasper/connectify-core/internal/realtime"
	"github.com/Wondergasper/connectify-core/internal/rest"
	"github.com/Wondergasper/connectify-core/internal/session"
	"github.com/Wondergasper/connectify-core/internal/status"
	"github.com/Wondergasper/connectify-core/internal/store"
	intsync "github.com/Wondergasper/connectify-core/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	ConfigPath  string // optional override for testing; empty = use default
}

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
			provideRESTClient,
			provideIdentityStore,
			provideRealtimeManager,
			provideRemote,
			provideSyncEngine,
			provideSender,
			provideRuntime,
			provideSessionService,
			provideSyncService,
			provideChatService,
			provideMessageService,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config.Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
	db, err := store.Open(dbPath)
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRESTClient(cfg *config.Config, logger *zap.Logger) (*rest.Client, error) {
	return rest.New(cfg.APIBaseURL, cfg.SessionCookie, logger)
}

func provideIdentityStore(c *rest.Client, b *bus.Bus, logger *zap.Logger) *identity.Store {
	return identity.NewStore(c, b, logger)
}

func provideRealtimeManager(cfg *config.Config, b *bus.Bus, m *status.Machine, logger *zap.Logger) *realtime.Manager {
	return realtime.NewManager(cfg.RealtimeURL, b, m, logger)
}

func provideRemote(c *rest.Client) *api.Remote {
	return api.NewRemote(c)
}

func provideSyncEngine(db *store.DB, b *bus.Bus, remote *api.Remote, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, remote, logger)
}

func provideSender(db *store.DB, remote *api.Remote, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, remote, b, logger)
}

func provideRuntime(id *identity.Store, m *realtime.Manager, syncSvc *api.SyncService, b *bus.Bus, logger *zap.Logger) *Runtime {
	return NewRuntime(id, m, syncSvc, b, logger)
}

func provideSessionService(id *identity.Store) *api.SessionService {
	return api.NewSessionService(id)
}

func provideSyncService(remote *api.Remote, engine *intsync.Engine, manager *realtime.Manager, machine *status.Machine) *api.SyncService {
	return api.NewSyncService(remote, engine, manager, machine)
}

func provideChatService(db *store.DB, engine *intsync.Engine) *api.ChatService {
	return api.NewChatService(db, engine)
}

func provideMessageService(db *store.DB, sender *outbox.Sender) *api.MessageService {
	return api.NewMessageService(db, sender)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, id *identity.Store, engine *intsync.Engine, sender *outbox.Sender, rt *Runtime, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Order matters: the runtime must be watching session events
			// before the bootstrap settles the session state.
			engine.Start(context.Background())
			sender.Start(context.Background())
			rt.Start(context.Background())

			// Silent bootstrap: an existing cookie session is picked up,
			// anything else settles as anonymous without user action.
			go func() {
				if err := id.Bootstrap(context.Background()); err != nil {
					logger.Warn("session bootstrap failed", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(_ context.Context) error {
			rt.Stop()
			sender.Stop()
			engine.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
