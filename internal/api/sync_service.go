package api

import (
	"context"
	"fmt"

	"github.com/Wondergasper/connectify-core/internal/realtime"
	"github.com/Wondergasper/connectify-core/internal/status"
	intsync "github.com/Wondergasper/connectify-core/internal/sync"
)

// SyncService exposes channel status and the REST-driven initial sync.
type SyncService struct {
	remote  *Remote
	engine  *intsync.Engine
	manager *realtime.Manager
	machine *status.Machine
}

// NewSyncService creates a new sync service.
func NewSyncService(remote *Remote, engine *intsync.Engine, manager *realtime.Manager, machine *status.Machine) *SyncService {
	return &SyncService{remote: remote, engine: engine, manager: manager, machine: machine}
}

// Status returns the realtime channel's connection state.
func (s *SyncService) Status() status.State {
	return s.machine.Current()
}

// FetchConversations pulls the conversation list over REST and applies
// it as an authoritative snapshot. Used to seed the cache before the
// realtime channel delivers its first conversationUpdated event.
func (s *SyncService) FetchConversations(ctx context.Context) error {
	convs, err := s.remote.FetchConversations(ctx)
	if err != nil {
		return err
	}
	if err := s.engine.ApplySnapshot(convs); err != nil {
		return fmt.Errorf("apply snapshot: %w", err)
	}
	return nil
}

// NotifyTyping tells other participants whether we are typing.
func (s *SyncService) NotifyTyping(conversationID string, typing bool) error {
	return s.manager.SendTyping(conversationID, typing)
}

// SetPresence announces our own reachability on the channel.
func (s *SyncService) SetPresence(online bool) error {
	return s.manager.SetPresence(online)
}
