package sync

import (
	"context"
	"errors"
	stdsync "sync"
	"testing"
	"time"

	"github.com/lectern-live/lectern/internal/crdt"
	"github.com/lectern-live/lectern/internal/document"
)

func mustRegistry(testContext *testing.T, cfg RegistryConfig) *Registry {
	testContext.Helper()
	registry, err := NewRegistry(cfg)
	if err != nil {
		testContext.Fatalf("failed to build registry: %v", err)
	}
	testContext.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = registry.Shutdown(shutdownCtx)
	})
	return registry
}

func TestFindOrStartYieldsExactlyOneActorUnderConcurrency(testContext *testing.T) {
	fixture := mustFixture(testContext)
	documentID := fixture.mustCreateDocument(testContext, "doc-single", "owner-1")
	registry := mustRegistry(testContext, RegistryConfig{Store: fixture.store})

	const callerCount = 16
	actors := make([]*Actor, callerCount)
	var waitGroup stdsync.WaitGroup
	waitGroup.Add(callerCount)
	for index := 0; index < callerCount; index++ {
		go func(slot int) {
			defer waitGroup.Done()
			actor, err := registry.FindOrStart(context.Background(), documentID)
			if err != nil {
				testContext.Errorf("find or start failed: %v", err)
				return
			}
			actors[slot] = actor
		}(index)
	}
	waitGroup.Wait()

	for _, actor := range actors {
		if actor != actors[0] {
			testContext.Fatalf("concurrent callers received different actors")
		}
	}
	if registry.Len() != 1 {
		testContext.Fatalf("expected one registry slot, got %d", registry.Len())
	}
}

func TestFindOrStartPropagatesLoadErrorAndLeavesNoEntry(testContext *testing.T) {
	fixture := mustFixture(testContext)
	registry := mustRegistry(testContext, RegistryConfig{Store: fixture.store})
	missingID, err := document.NewDocumentID("doc-never-created")
	if err != nil {
		testContext.Fatalf("unexpected document id error: %v", err)
	}

	const callerCount = 8
	loadErrors := make([]error, callerCount)
	var waitGroup stdsync.WaitGroup
	waitGroup.Add(callerCount)
	for index := 0; index < callerCount; index++ {
		go func(slot int) {
			defer waitGroup.Done()
			_, callErr := registry.FindOrStart(context.Background(), missingID)
			loadErrors[slot] = callErr
		}(index)
	}
	waitGroup.Wait()

	for _, callErr := range loadErrors {
		if !errors.Is(callErr, document.ErrDocumentNotFound) {
			testContext.Fatalf("expected not found for every caller, got %v", callErr)
		}
	}
	if registry.Len() != 0 {
		testContext.Fatalf("failed start must leave no registry entry, got %d", registry.Len())
	}
}

func TestStoppedActorReleasesSlotAndRestartLoadsFullHistory(testContext *testing.T) {
	fixture := mustFixture(testContext)
	documentID := fixture.mustCreateDocument(testContext, "doc-restart", "owner-1")
	registry := mustRegistry(testContext, RegistryConfig{
		Store:     fixture.store,
		IdleGrace: 50 * time.Millisecond,
	})

	firstActor, err := registry.FindOrStart(context.Background(), documentID)
	if err != nil {
		testContext.Fatalf("find or start failed: %v", err)
	}
	observer := newStubObserver("session-1")
	mustJoin(testContext, firstActor, observer, "owner-1", document.AccessReadWrite)
	observer.nextFrame(testContext)

	diff := crdt.NewWriter("client-a").Set("slide.1.title", "Written before restart")
	if err := firstActor.Merge(context.Background(), observer.SessionID(), diff); err != nil {
		testContext.Fatalf("merge failed: %v", err)
	}

	stoppedSignal := firstActor.Stopped()
	firstActor.Leave(observer.SessionID())
	select {
	case <-stoppedSignal:
	case <-time.After(2 * time.Second):
		testContext.Fatalf("actor did not stop after last leave")
	}
	waitForCondition(testContext, "registry slot release", func() bool {
		return registry.Len() == 0
	})

	secondActor, err := registry.FindOrStart(context.Background(), documentID)
	if err != nil {
		testContext.Fatalf("restart failed: %v", err)
	}
	if secondActor == firstActor {
		testContext.Fatalf("expected a fresh actor after teardown")
	}

	rejoined := newStubObserver("session-2")
	mustJoin(testContext, secondActor, rejoined, "owner-1", document.AccessReadWrite)
	handshake := rejoined.nextFrame(testContext)
	if handshake.Sync != SyncStep1 {
		testContext.Fatalf("expected join handshake, got sync %d", handshake.Sync)
	}
	if err := secondActor.RequestSync(context.Background(), rejoined.SessionID(), crdt.NewDoc().StateVector()); err != nil {
		testContext.Fatalf("request sync failed: %v", err)
	}
	catchUp := rejoined.nextFrame(testContext)
	replica := crdt.NewDoc()
	if err := replica.ApplyUpdate(catchUp.Payload); err != nil {
		testContext.Fatalf("catch-up failed to apply: %v", err)
	}
	if value, _ := replica.Get("slide.1.title"); value != "Written before restart" {
		testContext.Fatalf("restarted actor lost persisted state, got %q", value)
	}
}

func TestAttachSurvivesTeardownRace(testContext *testing.T) {
	fixture := mustFixture(testContext)
	documentID := fixture.mustCreateDocument(testContext, "doc-race", "owner-1")
	registry := mustRegistry(testContext, RegistryConfig{
		Store:     fixture.store,
		IdleGrace: 20 * time.Millisecond,
	})

	// Churn joins and leaves against a tiny grace window; every attach must
	// land on a live actor.
	for round := 0; round < 10; round++ {
		observer := newStubObserver("session-churn")
		actor, err := registry.Attach(context.Background(), documentID, observer, "owner-1", document.AccessReadWrite)
		if err != nil {
			testContext.Fatalf("attach round %d failed: %v", round, err)
		}
		actor.Leave(observer.SessionID())
		time.Sleep(15 * time.Millisecond)
	}
}
