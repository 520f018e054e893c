package daemon

import (
	"context"

	"github.com/Wondergasper/connectify-core/internal/api"
	"github.com/Wondergasper/connectify-core/internal/bus"
	"github.com/Wondergasper/connectify-core/internal/identity"
	"github.com/Wondergasper/connectify-core/internal/realtime"
	"go.uber.org/zap"
)

// Runtime ties the session lifecycle to the realtime channel: when the
// session becomes authenticated the channel is brought up and the cache
// seeded, and when it goes away the channel is torn down.
type Runtime struct {
	identity *identity.Store
	manager  *realtime.Manager
	syncSvc  *api.SyncService
	bus      *bus.Bus
	logger   *zap.Logger
	cancel   context.CancelFunc

	seeded *realtime.Conn
}

// NewRuntime creates a new runtime.
func NewRuntime(id *identity.Store, m *realtime.Manager, syncSvc *api.SyncService, b *bus.Bus, logger *zap.Logger) *Runtime {
	return &Runtime{
		identity: id,
		manager:  m,
		syncSvc:  syncSvc,
		bus:      b,
		logger:   logger,
	}
}

// Start subscribes to session state changes and reconciles the channel
// after each one.
func (r *Runtime) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	ch, unsub := r.bus.Subscribe("session.", 16)

	go func() {
		defer unsub()
		for {
			select {
			case <-ch:
				r.reconcile(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the runtime and closes the channel.
func (r *Runtime) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.manager.Teardown()
}

// reconcile makes the channel match the current session: connected with
// the session's identity, or closed. Ensure is a no-op when the
// identity key has not changed, so redundant state events are cheap.
func (r *Runtime) reconcile(ctx context.Context) {
	sess := r.identity.Current()
	if !sess.IsAuthenticated || sess.Token == "" {
		r.manager.Teardown()
		return
	}

	conn, err := r.manager.Ensure(ctx, sess.UserID, sess.Token)
	if err != nil {
		r.logger.Error("failed to open realtime channel", zap.Error(err), zap.String("user_id", sess.UserID))
		return
	}
	if conn == nil || conn == r.seeded {
		return
	}
	r.seeded = conn

	// Seed the cache with the authoritative conversation list once per
	// connection; the channel keeps it fresh from here.
	go func() {
		if err := r.syncSvc.FetchConversations(ctx); err != nil {
			r.logger.Warn("initial conversation sync failed", zap.Error(err))
		}
	}()
}
