package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lectern-live/lectern/internal/crdt"
	"github.com/lectern-live/lectern/internal/document"
)

const (
	defaultMailboxCapacity      = 256
	defaultPersistQueueCapacity = 1024
	defaultIdleGrace            = 30 * time.Second
	defaultMetaDebounce         = 2 * time.Second
	defaultMetaMaxStaleness     = 10 * time.Second
	defaultAppendRetryBackoff   = time.Second
	maxPersistRetryBackoff      = 30 * time.Second
)

var (
	// ErrActorStopped indicates the actor ended its lifecycle before or while
	// handling the request.
	ErrActorStopped = errors.New("sync: document actor stopped")
	// ErrWriteForbidden indicates a merge attempt by a read-only session. The
	// session stays joined; only the write is refused.
	ErrWriteForbidden = errors.New("sync: write requires a write grant")
	// ErrCorruptUpdateLog indicates the persisted history could not be
	// replayed; the actor refuses to start rather than serve partial state.
	ErrCorruptUpdateLog = errors.New("sync: corrupt update log")
	// ErrUnknownObserver indicates a request from a session the actor does
	// not track.
	ErrUnknownObserver = errors.New("sync: unknown observer session")

	errMissingStore  = errors.New("sync: document store is required")
	errMissingDocID  = errors.New("sync: document id is required")
	actorNoOpLogger  = zap.NewNop()
	defaultNewMerger = func() crdt.Merger { return crdt.NewDoc() }
)

// Observer is one connected session registered for broadcasts. Send must not
// block; it reports false when the session cannot keep up. Close tears the
// session's connection down; the actor calls it when evicting a lagging
// observer.
type Observer interface {
	SessionID() string
	Send(frame []byte) bool
	Close()
}

// Store is the persistence surface an actor depends on; *document.Store
// satisfies it.
type Store interface {
	Load(ctx context.Context, documentID document.DocumentID) ([]document.UpdateRecord, error)
	Append(ctx context.Context, documentID document.DocumentID, userID string, payload []byte) (document.UpdateRecord, error)
	FlushMeta(ctx context.Context, documentID document.DocumentID, snapshot map[string]string) error
}

// ActorConfig describes the dependencies and tuning of one document actor.
type ActorConfig struct {
	DocumentID document.DocumentID
	Store      Store
	NewMerger  func() crdt.Merger
	Logger     *zap.Logger
	Clock      func() time.Time

	IdleGrace          time.Duration
	MetaDebounce       time.Duration
	MetaMaxStaleness   time.Duration
	AppendRetryBackoff time.Duration

	// OnStop runs exactly once after the actor has flushed and stopped; the
	// registry uses it to release the document's slot.
	OnStop func()
}

type observerEntry struct {
	observer Observer
	userID   string
	level    document.AccessLevel
}

type joinCommand struct {
	observer Observer
	userID   string
	level    document.AccessLevel
	reply    chan error
}

type leaveCommand struct {
	sessionID string
}

type mergeCommand struct {
	sessionID string
	payload   []byte
	reply     chan error
}

type awarenessCommand struct {
	sessionID string
	payload   []byte
}

type syncRequestCommand struct {
	sessionID   string
	stateVector []byte
}

type stopCommand struct{}

type persistJobKind int

const (
	persistAppend persistJobKind = iota
	persistMeta
)

type persistJob struct {
	kind    persistJobKind
	payload []byte
	userID  string
	meta    map[string]string
}

// Actor owns one document's live replicated state. All mutation flows through
// its mailbox, making it the single writer for the document; different
// documents run fully independent actors.
type Actor struct {
	documentID document.DocumentID
	store      Store
	merger     crdt.Merger
	logger     *zap.Logger
	clock      func() time.Time

	idleGrace          time.Duration
	metaDebounce       time.Duration
	metaMaxStaleness   time.Duration
	appendRetryBackoff time.Duration
	onStop             func()

	mailbox      chan interface{}
	persistQueue chan persistJob
	persistDone  chan struct{}
	stoppedCh    chan struct{}

	// Loop-owned state, touched only by run().
	observers       map[string]observerEntry
	metaDirtySince  time.Time
	metaLastChange  time.Time
	lastFlushedMeta map[string]string
}

// StartActor loads the document's persisted history into a fresh merger and,
// on success, launches the actor loop. A load failure (missing document,
// inheritance cycle, unmergeable entry) returns the error and starts nothing.
// The idle grace window is armed from the start, so an actor that never
// receives a join still tears itself down.
func StartActor(ctx context.Context, cfg ActorConfig) (*Actor, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.DocumentID == "" {
		return nil, errMissingDocID
	}
	newMerger := cfg.NewMerger
	if newMerger == nil {
		newMerger = defaultNewMerger
	}
	logger := cfg.Logger
	if logger == nil {
		logger = actorNoOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	actor := &Actor{
		documentID:         cfg.DocumentID,
		store:              cfg.Store,
		merger:             newMerger(),
		logger:             logger.With(zap.String("document_id", cfg.DocumentID.String())),
		clock:              clock,
		idleGrace:          durationOrDefault(cfg.IdleGrace, defaultIdleGrace),
		metaDebounce:       durationOrDefault(cfg.MetaDebounce, defaultMetaDebounce),
		metaMaxStaleness:   durationOrDefault(cfg.MetaMaxStaleness, defaultMetaMaxStaleness),
		appendRetryBackoff: durationOrDefault(cfg.AppendRetryBackoff, defaultAppendRetryBackoff),
		onStop:             cfg.OnStop,
		mailbox:            make(chan interface{}, defaultMailboxCapacity),
		persistQueue:       make(chan persistJob, defaultPersistQueueCapacity),
		persistDone:        make(chan struct{}),
		stoppedCh:          make(chan struct{}),
		observers:          make(map[string]observerEntry),
		lastFlushedMeta:    make(map[string]string),
	}

	if err := actor.bind(ctx); err != nil {
		return nil, err
	}

	go actor.persistLoop()
	go actor.run()
	return actor, nil
}

// bind replays the inheritance-resolved update history onto the empty merger.
// Any unmergeable entry aborts the whole load; the actor never starts in a
// partially-applied state.
func (actor *Actor) bind(ctx context.Context) error {
	records, err := actor.store.Load(ctx, actor.documentID)
	if err != nil {
		return err
	}
	for _, record := range records {
		if applyErr := actor.merger.ApplyUpdate(record.Payload); applyErr != nil {
			actor.logger.Error("update log replay failed",
				zap.Int64("update_id", record.UpdateID),
				zap.String("segment_document_id", record.DocumentID.String()),
				zap.Error(applyErr))
			return fmt.Errorf("%w: update %d: %v", ErrCorruptUpdateLog, record.UpdateID, applyErr)
		}
	}
	actor.lastFlushedMeta = actor.merger.Meta()
	actor.logger.Info("document actor loaded", zap.Int("replayed_updates", len(records)))
	return nil
}

// DocumentID returns the id of the document this actor owns.
func (actor *Actor) DocumentID() document.DocumentID {
	return actor.documentID
}

// Stopped closes once the actor has flushed and ended its lifecycle.
func (actor *Actor) Stopped() <-chan struct{} {
	return actor.stoppedCh
}

// IsStopped reports whether the lifecycle has already ended.
func (actor *Actor) IsStopped() bool {
	select {
	case <-actor.stoppedCh:
		return true
	default:
		return false
	}
}

// Join registers a session as an observer tagged with its user id and
// permission level and cancels any pending idle teardown. The actor answers
// with a SYNC_STEP1 frame carrying its state vector.
func (actor *Actor) Join(ctx context.Context, observer Observer, userID string, level document.AccessLevel) error {
	reply := make(chan error, 1)
	command := joinCommand{observer: observer, userID: userID, level: level, reply: reply}
	if err := actor.enqueue(ctx, command); err != nil {
		return err
	}
	return actor.awaitReply(ctx, reply)
}

// Leave unregisters a session. The last leave arms the idle teardown timer.
func (actor *Actor) Leave(sessionID string) {
	_ = actor.enqueue(context.Background(), leaveCommand{sessionID: sessionID})
}

// Merge applies a binary diff on behalf of a session. Read-only sessions are
// refused with ErrWriteForbidden without being disconnected. On success the
// verbatim diff is broadcast to every other observer and appended to the
// durable history.
func (actor *Actor) Merge(ctx context.Context, sessionID string, payload []byte) error {
	reply := make(chan error, 1)
	if err := actor.enqueue(ctx, mergeCommand{sessionID: sessionID, payload: payload, reply: reply}); err != nil {
		return err
	}
	return actor.awaitReply(ctx, reply)
}

// ShareAwareness broadcasts ephemeral presence data to the other observers.
// It is never persisted and never permission-restricted beyond join access.
func (actor *Actor) ShareAwareness(ctx context.Context, sessionID string, payload []byte) error {
	return actor.enqueue(ctx, awarenessCommand{sessionID: sessionID, payload: payload})
}

// RequestSync answers a client SYNC_STEP1 by sending that session a
// SYNC_STEP2 frame with the diff its state vector is missing.
func (actor *Actor) RequestSync(ctx context.Context, sessionID string, stateVector []byte) error {
	return actor.enqueue(ctx, syncRequestCommand{sessionID: sessionID, stateVector: stateVector})
}

// Stop forces teardown: pending meta is flushed, the persist queue drains,
// and the actor reports stopped. It is safe to call more than once.
func (actor *Actor) Stop(ctx context.Context) error {
	if err := actor.enqueue(ctx, stopCommand{}); err != nil {
		if errors.Is(err, ErrActorStopped) {
			return nil
		}
		return err
	}
	select {
	case <-actor.stoppedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (actor *Actor) enqueue(ctx context.Context, command interface{}) error {
	select {
	case actor.mailbox <- command:
		return nil
	case <-actor.stoppedCh:
		return ErrActorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (actor *Actor) awaitReply(ctx context.Context, reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-actor.stoppedCh:
		return ErrActorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run serializes every mutation of the document. Idle teardown and the
// debounced meta flush share the loop so no mutation can race them.
func (actor *Actor) run() {
	idleTimer := time.NewTimer(actor.idleGrace)
	defer idleTimer.Stop()
	metaTimer := time.NewTimer(actor.metaDebounce)
	stopTimer(metaTimer)
	defer metaTimer.Stop()

	for {
		select {
		case raw := <-actor.mailbox:
			switch command := raw.(type) {
			case joinCommand:
				actor.handleJoin(command, idleTimer)
			case leaveCommand:
				actor.handleLeave(command.sessionID, idleTimer)
			case mergeCommand:
				command.reply <- actor.handleMerge(command.sessionID, command.payload, idleTimer, metaTimer)
			case awarenessCommand:
				actor.broadcast(command.sessionID, EncodeAwareness(command.payload), idleTimer)
			case syncRequestCommand:
				actor.handleSyncRequest(command.sessionID, command.stateVector)
			case stopCommand:
				actor.shutdown()
				return
			}
		case <-idleTimer.C:
			if len(actor.observers) == 0 {
				actor.logger.Info("idle grace elapsed, stopping document actor")
				actor.shutdown()
				return
			}
		case <-metaTimer.C:
			actor.maybeFlushMeta(metaTimer)
		}
	}
}

func (actor *Actor) handleJoin(command joinCommand, idleTimer *time.Timer) {
	stopTimer(idleTimer)
	actor.observers[command.observer.SessionID()] = observerEntry{
		observer: command.observer,
		userID:   command.userID,
		level:    command.level,
	}
	command.reply <- nil
	// Kick off the handshake: the joining replica answers with its own step 2.
	command.observer.Send(EncodeSyncStep1(actor.merger.StateVector()))
	actor.logger.Debug("observer registered",
		zap.String("session_id", command.observer.SessionID()),
		zap.String("access", string(command.level)),
		zap.Int("observer_count", len(actor.observers)))
}

func (actor *Actor) handleLeave(sessionID string, idleTimer *time.Timer) {
	if _, tracked := actor.observers[sessionID]; !tracked {
		return
	}
	delete(actor.observers, sessionID)
	actor.logger.Debug("observer unregistered",
		zap.String("session_id", sessionID),
		zap.Int("observer_count", len(actor.observers)))
	if len(actor.observers) == 0 {
		stopTimer(idleTimer)
		idleTimer.Reset(actor.idleGrace)
	}
}

func (actor *Actor) handleMerge(sessionID string, payload []byte, idleTimer, metaTimer *time.Timer) error {
	entry, tracked := actor.observers[sessionID]
	if !tracked {
		return ErrUnknownObserver
	}
	if !entry.level.CanWrite() {
		return ErrWriteForbidden
	}
	touchesMeta := actor.merger.TouchesMeta(payload)
	if err := actor.merger.ApplyUpdate(payload); err != nil {
		return err
	}

	actor.broadcast(sessionID, EncodeUpdate(payload), idleTimer)
	actor.enqueuePersist(persistJob{
		kind:    persistAppend,
		payload: append([]byte(nil), payload...),
		userID:  entry.userID,
	})

	if touchesMeta {
		now := actor.clock()
		if actor.metaDirtySince.IsZero() {
			actor.metaDirtySince = now
		}
		actor.metaLastChange = now
		actor.scheduleMetaFlush(metaTimer)
	}
	return nil
}

func (actor *Actor) handleSyncRequest(sessionID string, stateVector []byte) {
	entry, tracked := actor.observers[sessionID]
	if !tracked {
		return
	}
	diff, err := actor.merger.DiffSince(stateVector)
	if err != nil {
		entry.observer.Send(EncodeError(ErrorCodeCorruptState, "state vector could not be decoded"))
		return
	}
	entry.observer.Send(EncodeSyncStep2(diff))
}

// broadcast delivers a framed message to every observer except the origin. A
// session whose buffer is full has missed a frame its peers hold, and its
// state vector would overclaim the moment any later frame landed, which no
// SYNC_STEP1 could heal. Eviction before the next delivery keeps every
// connected replica gap-free; the evicted client reconnects and its honest
// vector pulls the missed entries through the normal catch-up path.
func (actor *Actor) broadcast(originSessionID string, frame []byte, idleTimer *time.Timer) {
	var lagging []string
	for sessionID, entry := range actor.observers {
		if sessionID == originSessionID {
			continue
		}
		if !entry.observer.Send(frame) {
			lagging = append(lagging, sessionID)
		}
	}
	for _, sessionID := range lagging {
		actor.logger.Warn("observer send buffer full, evicting lagging session",
			zap.String("session_id", sessionID))
		actor.observers[sessionID].observer.Close()
		actor.handleLeave(sessionID, idleTimer)
	}
}

// scheduleMetaFlush arms the meta timer for whichever threshold comes first:
// the quiet period after the latest change or the staleness cap after the
// first unflushed change.
func (actor *Actor) scheduleMetaFlush(metaTimer *time.Timer) {
	quietDeadline := actor.metaLastChange.Add(actor.metaDebounce)
	stalenessDeadline := actor.metaDirtySince.Add(actor.metaMaxStaleness)
	deadline := quietDeadline
	if stalenessDeadline.Before(deadline) {
		deadline = stalenessDeadline
	}
	wait := deadline.Sub(actor.clock())
	if wait < 0 {
		wait = 0
	}
	stopTimer(metaTimer)
	metaTimer.Reset(wait)
}

func (actor *Actor) maybeFlushMeta(metaTimer *time.Timer) {
	if actor.metaDirtySince.IsZero() {
		return
	}
	now := actor.clock()
	quietDeadline := actor.metaLastChange.Add(actor.metaDebounce)
	stalenessDeadline := actor.metaDirtySince.Add(actor.metaMaxStaleness)
	if now.Before(quietDeadline) && now.Before(stalenessDeadline) {
		actor.scheduleMetaFlush(metaTimer)
		return
	}
	actor.flushMetaNow()
}

func (actor *Actor) flushMetaNow() {
	snapshot := actor.merger.Meta()
	actor.metaDirtySince = time.Time{}
	actor.metaLastChange = time.Time{}
	if metaEqual(snapshot, actor.lastFlushedMeta) {
		return
	}
	actor.lastFlushedMeta = snapshot
	actor.enqueuePersist(persistJob{kind: persistMeta, meta: snapshot})
}

// shutdown runs the final flush and waits for every pending persistence call
// before reporting stopped, so no acknowledged edit is lost.
func (actor *Actor) shutdown() {
	if !actor.metaDirtySince.IsZero() {
		actor.flushMetaNow()
	}
	close(actor.persistQueue)
	<-actor.persistDone
	close(actor.stoppedCh)
	if actor.onStop != nil {
		actor.onStop()
	}
	actor.logger.Info("document actor stopped")
}

// enqueuePersist hands one job to the persist loop. The queue bounds memory,
// not correctness: when the persister falls behind, the actor loop blocks
// here rather than dropping a durable write.
func (actor *Actor) enqueuePersist(job persistJob) {
	actor.persistQueue <- job
}

// persistLoop issues the actor's persistence calls one at a time, so calls
// for a single document never interleave, and retries failures with backoff
// while live collaboration continues from in-memory state.
func (actor *Actor) persistLoop() {
	defer close(actor.persistDone)
	for job := range actor.persistQueue {
		backoff := actor.appendRetryBackoff
		for attempt := 1; ; attempt++ {
			err := actor.runPersistJob(job)
			if err == nil {
				break
			}
			actor.logger.Warn("persistence unavailable, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err))
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxPersistRetryBackoff {
				backoff = maxPersistRetryBackoff
			}
		}
	}
}

func (actor *Actor) runPersistJob(job persistJob) error {
	ctx := context.Background()
	switch job.kind {
	case persistAppend:
		_, err := actor.store.Append(ctx, actor.documentID, job.userID, job.payload)
		return err
	case persistMeta:
		err := actor.store.FlushMeta(ctx, actor.documentID, job.meta)
		if errors.Is(err, document.ErrDocumentNotFound) {
			// The document vanished underneath the actor; retrying cannot help.
			actor.logger.Warn("meta flush target missing, dropping snapshot")
			return nil
		}
		return err
	default:
		return nil
	}
}

func metaEqual(left, right map[string]string) bool {
	if len(left) != len(right) {
		return false
	}
	for key, value := range left {
		if right[key] != value {
			return false
		}
	}
	return true
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}

func stopTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}
