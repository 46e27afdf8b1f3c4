package sync

import (
	"context"
	"fmt"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/lectern-live/lectern/internal/document"
)

type testFixture struct {
	db    *gorm.DB
	store *document.Store
}

func mustFixture(testContext *testing.T) testFixture {
	testContext.Helper()
	databaseName := strings.ReplaceAll(testContext.Name(), "/", "_")
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", databaseName)), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&document.Document{}, &document.DocumentUpdate{}, &document.DocumentUser{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := document.NewStore(document.StoreConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	return testFixture{db: db, store: store}
}

func (fixture testFixture) mustCreateDocument(testContext *testing.T, documentID, ownerID string) document.DocumentID {
	testContext.Helper()
	row := document.Document{
		DocumentID: documentID,
		OwnerID:    ownerID,
		DocType:    string(document.DocTypePresentation),
		Name:       documentID,
		MetaJSON:   "{}",
	}
	if err := fixture.db.Create(&row).Error; err != nil {
		testContext.Fatalf("failed to insert document: %v", err)
	}
	id, err := document.NewDocumentID(documentID)
	if err != nil {
		testContext.Fatalf("unexpected document id error: %v", err)
	}
	return id
}

// stubObserver collects delivered frames for assertions.
type stubObserver struct {
	sessionID string
	frames    chan []byte
	closed    chan struct{}
	closeOnce stdsync.Once
}

func newStubObserver(sessionID string) *stubObserver {
	return &stubObserver{
		sessionID: sessionID,
		frames:    make(chan []byte, 64),
		closed:    make(chan struct{}),
	}
}

func (observer *stubObserver) SessionID() string {
	return observer.sessionID
}

func (observer *stubObserver) Send(frame []byte) bool {
	select {
	case observer.frames <- frame:
		return true
	default:
		return false
	}
}

func (observer *stubObserver) Close() {
	observer.closeOnce.Do(func() {
		close(observer.closed)
	})
}

// saturatedObserver refuses every delivery, standing in for a session whose
// outbound buffer never drains.
type saturatedObserver struct {
	sessionID string
	mu        stdsync.Mutex
	attempts  int
	closed    chan struct{}
	closeOnce stdsync.Once
}

func newSaturatedObserver(sessionID string) *saturatedObserver {
	return &saturatedObserver{sessionID: sessionID, closed: make(chan struct{})}
}

func (observer *saturatedObserver) SessionID() string {
	return observer.sessionID
}

func (observer *saturatedObserver) Send([]byte) bool {
	observer.mu.Lock()
	observer.attempts++
	observer.mu.Unlock()
	return false
}

func (observer *saturatedObserver) Close() {
	observer.closeOnce.Do(func() {
		close(observer.closed)
	})
}

func (observer *saturatedObserver) sendAttempts() int {
	observer.mu.Lock()
	defer observer.mu.Unlock()
	return observer.attempts
}

func (observer *stubObserver) nextFrame(testContext *testing.T) Message {
	testContext.Helper()
	select {
	case frame := <-observer.frames:
		message, err := DecodeMessage(frame)
		if err != nil {
			testContext.Fatalf("delivered frame failed to decode: %v", err)
		}
		return message
	case <-time.After(2 * time.Second):
		testContext.Fatalf("timed out waiting for a delivered frame")
		return Message{}
	}
}

func (observer *stubObserver) expectNoFrame(testContext *testing.T, wait time.Duration) {
	testContext.Helper()
	select {
	case frame := <-observer.frames:
		message, _ := DecodeMessage(frame)
		testContext.Fatalf("unexpected frame delivered: type %d", message.Type)
	case <-time.After(wait):
	}
}

func waitForCondition(testContext *testing.T, what string, check func() bool) {
	testContext.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	testContext.Fatalf("timed out waiting for %s", what)
}

func mustStartActor(testContext *testing.T, cfg ActorConfig) *Actor {
	testContext.Helper()
	actor, err := StartActor(context.Background(), cfg)
	if err != nil {
		testContext.Fatalf("failed to start actor: %v", err)
	}
	testContext.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = actor.Stop(stopCtx)
	})
	return actor
}

func mustJoin(testContext *testing.T, actor *Actor, observer Observer, userID string, level document.AccessLevel) {
	testContext.Helper()
	if err := actor.Join(context.Background(), observer, userID, level); err != nil {
		testContext.Fatalf("join failed: %v", err)
	}
}
