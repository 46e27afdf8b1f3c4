package sync

import (
	"context"
	"errors"
	stdsync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/lectern-live/lectern/internal/crdt"
	"github.com/lectern-live/lectern/internal/document"
)

const maxAttachAttempts = 3

var (
	errMissingRegistryStore = errors.New("sync: registry requires a document store")
	// ErrAttachRacedTeardown indicates repeated collisions between joins and
	// actor teardown; callers should surface it rather than loop forever.
	ErrAttachRacedTeardown = errors.New("sync: attach kept racing actor teardown")
)

// RegistryConfig describes the dependencies shared by every actor the
// registry starts.
type RegistryConfig struct {
	Store     Store
	NewMerger func() crdt.Merger
	Logger    *zap.Logger
	Clock     func() time.Time

	IdleGrace          time.Duration
	MetaDebounce       time.Duration
	MetaMaxStaleness   time.Duration
	AppendRetryBackoff time.Duration
}

type registryEntry struct {
	ready chan struct{}
	actor *Actor
	err   error
}

// Registry guarantees at most one live actor per document id. Concurrent
// FindOrStart calls for the same id race on an insert-if-absent slot: exactly
// one caller starts the actor, everyone else waits for that start to settle.
type Registry struct {
	cfg     RegistryConfig
	logger  *zap.Logger
	mu      stdsync.Mutex
	entries map[document.DocumentID]*registryEntry
}

// NewRegistry validates the configuration and returns an empty registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Store == nil {
		return nil, errMissingRegistryStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = actorNoOpLogger
	}
	return &Registry{
		cfg:     cfg,
		logger:  logger,
		entries: make(map[document.DocumentID]*registryEntry),
	}, nil
}

// FindOrStart returns the live actor for the document, starting one if none
// exists. A load failure inside startup is returned to every waiting caller
// and leaves no registry entry behind.
func (registry *Registry) FindOrStart(ctx context.Context, documentID document.DocumentID) (*Actor, error) {
	for {
		registry.mu.Lock()
		entry, exists := registry.entries[documentID]
		if !exists {
			entry = &registryEntry{ready: make(chan struct{})}
			registry.entries[documentID] = entry
			registry.mu.Unlock()

			actor, err := StartActor(ctx, ActorConfig{
				DocumentID:         documentID,
				Store:              registry.cfg.Store,
				NewMerger:          registry.cfg.NewMerger,
				Logger:             registry.logger,
				Clock:              registry.cfg.Clock,
				IdleGrace:          registry.cfg.IdleGrace,
				MetaDebounce:       registry.cfg.MetaDebounce,
				MetaMaxStaleness:   registry.cfg.MetaMaxStaleness,
				AppendRetryBackoff: registry.cfg.AppendRetryBackoff,
				OnStop: func() {
					registry.remove(documentID, entry)
				},
			})
			entry.actor, entry.err = actor, err
			close(entry.ready)
			if err != nil {
				registry.remove(documentID, entry)
				return nil, err
			}
			return actor, nil
		}
		registry.mu.Unlock()

		select {
		case <-entry.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if entry.err != nil {
			return nil, entry.err
		}
		if entry.actor.IsStopped() {
			// Stale slot from an actor that just tore down; release it and race again.
			registry.remove(documentID, entry)
			continue
		}
		return entry.actor, nil
	}
}

// Attach finds or starts the document's actor and registers the observer with
// it, retrying the narrow window where an idle actor tears down between
// lookup and join.
func (registry *Registry) Attach(ctx context.Context, documentID document.DocumentID, observer Observer, userID string, level document.AccessLevel) (*Actor, error) {
	for attempt := 0; attempt < maxAttachAttempts; attempt++ {
		actor, err := registry.FindOrStart(ctx, documentID)
		if err != nil {
			return nil, err
		}
		joinErr := actor.Join(ctx, observer, userID, level)
		if joinErr == nil {
			return actor, nil
		}
		if !errors.Is(joinErr, ErrActorStopped) {
			return nil, joinErr
		}
	}
	return nil, ErrAttachRacedTeardown
}

// Len reports the number of live registry slots.
func (registry *Registry) Len() int {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	return len(registry.entries)
}

// Shutdown stops every live actor, forcing final flushes, and waits for them
// within the context's deadline.
func (registry *Registry) Shutdown(ctx context.Context) error {
	registry.mu.Lock()
	actors := make([]*Actor, 0, len(registry.entries))
	for _, entry := range registry.entries {
		select {
		case <-entry.ready:
			if entry.err == nil && entry.actor != nil {
				actors = append(actors, entry.actor)
			}
		default:
			// Still starting; its caller owns the outcome.
		}
	}
	registry.mu.Unlock()

	var firstErr error
	for _, actor := range actors {
		if err := actor.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (registry *Registry) remove(documentID document.DocumentID, entry *registryEntry) {
	registry.mu.Lock()
	if current, exists := registry.entries[documentID]; exists && current == entry {
		delete(registry.entries, documentID)
	}
	registry.mu.Unlock()
}
