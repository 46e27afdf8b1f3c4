package crdt

import (
	"bytes"
	"errors"
	"testing"
)

func mustApply(testContext *testing.T, doc *Doc, update []byte) {
	testContext.Helper()
	if err := doc.ApplyUpdate(update); err != nil {
		testContext.Fatalf("apply update failed: %v", err)
	}
}

func TestApplyUpdateConvergesAcrossDeliveryOrders(testContext *testing.T) {
	firstWriter := NewWriter("actor-a")
	secondWriter := NewWriter("actor-b")
	thirdWriter := NewWriter("actor-c")

	updates := [][]byte{
		firstWriter.Set("slide.1.title", "Welcome"),
		secondWriter.Set("slide.1.title", "Hello"),
		thirdWriter.Set("slide.2.body", "Agenda"),
		firstWriter.Set("slide.2.body", "Updated agenda"),
	}

	orders := [][]int{
		{0, 1, 2, 3},
		{3, 2, 1, 0},
		{1, 3, 0, 2},
		{2, 0, 3, 1},
	}

	var referenceState []byte
	for orderIndex, order := range orders {
		doc := NewDoc()
		for _, updateIndex := range order {
			mustApply(testContext, doc, updates[updateIndex])
		}
		encoded := doc.EncodeState()
		if orderIndex == 0 {
			referenceState = encoded
			continue
		}
		if !bytes.Equal(referenceState, encoded) {
			testContext.Fatalf("delivery order %v produced divergent state", order)
		}
	}
}

func TestApplyUpdateIsIdempotent(testContext *testing.T) {
	writer := NewWriter("actor-idempotent")
	update := writer.Set("slide.1.title", "Once")

	doc := NewDoc()
	mustApply(testContext, doc, update)
	firstState := doc.EncodeState()

	mustApply(testContext, doc, update)
	mustApply(testContext, doc, update)
	if !bytes.Equal(firstState, doc.EncodeState()) {
		testContext.Fatalf("reapplying an update changed the state")
	}
}

func TestDiffSinceReturnsOnlyUnseenEntries(testContext *testing.T) {
	writer := NewWriter("actor-diff")
	serverDoc := NewDoc()
	mustApply(testContext, serverDoc, writer.Set("slide.1.title", "First"))

	clientDoc := NewDoc()
	catchUp, err := serverDoc.DiffSince(clientDoc.StateVector())
	if err != nil {
		testContext.Fatalf("diff since empty vector failed: %v", err)
	}
	mustApply(testContext, clientDoc, catchUp)
	if !bytes.Equal(serverDoc.EncodeState(), clientDoc.EncodeState()) {
		testContext.Fatalf("client state diverged after full catch-up")
	}

	mustApply(testContext, serverDoc, writer.Set("slide.2.body", "Second"))
	incremental, err := serverDoc.DiffSince(clientDoc.StateVector())
	if err != nil {
		testContext.Fatalf("incremental diff failed: %v", err)
	}
	incrementalEntries, err := decodeEntries(incremental)
	if err != nil {
		testContext.Fatalf("decode incremental diff failed: %v", err)
	}
	if len(incrementalEntries) != 1 {
		testContext.Fatalf("expected one unseen entry, got %d", len(incrementalEntries))
	}
	if incrementalEntries[0].key != "slide.2.body" {
		testContext.Fatalf("unexpected incremental key %q", incrementalEntries[0].key)
	}
}

func TestMetaTrackingWatchesPrefixedKeys(testContext *testing.T) {
	writer := NewWriter("actor-meta")
	doc := NewDoc()

	contentUpdate := writer.Set("slide.1.title", "No meta here")
	if doc.TouchesMeta(contentUpdate) {
		testContext.Fatalf("content update reported as touching meta")
	}
	mustApply(testContext, doc, contentUpdate)

	metaUpdate := writer.Set(MetaKeyPrefix+"name", "Quarterly review")
	if !doc.TouchesMeta(metaUpdate) {
		testContext.Fatalf("meta update not reported as touching meta")
	}
	mustApply(testContext, doc, metaUpdate)

	snapshot := doc.Meta()
	if snapshot["name"] != "Quarterly review" {
		testContext.Fatalf("unexpected meta snapshot: %v", snapshot)
	}
}

func TestApplyUpdateRejectsCorruptPayload(testContext *testing.T) {
	doc := NewDoc()
	writer := NewWriter("actor-corrupt")
	valid := writer.Set("slide.1.title", "Valid")

	truncated := valid[:len(valid)-2]
	if err := doc.ApplyUpdate(truncated); !errors.Is(err, ErrCorruptUpdate) {
		testContext.Fatalf("expected corrupt update error, got %v", err)
	}
	if _, exists := doc.Get("slide.1.title"); exists {
		testContext.Fatalf("corrupt update must not partially apply")
	}
}

func TestConcurrentWritesResolveIdenticallyOnEveryReplica(testContext *testing.T) {
	lowWriter := NewWriter("actor-a")
	highWriter := NewWriter("actor-b")

	lowUpdate := lowWriter.Set("slide.1.title", "From A")
	highUpdate := highWriter.Set("slide.1.title", "From B")

	forward := NewDoc()
	mustApply(testContext, forward, lowUpdate)
	mustApply(testContext, forward, highUpdate)

	reverse := NewDoc()
	mustApply(testContext, reverse, highUpdate)
	mustApply(testContext, reverse, lowUpdate)

	forwardValue, _ := forward.Get("slide.1.title")
	reverseValue, _ := reverse.Get("slide.1.title")
	if forwardValue != reverseValue {
		testContext.Fatalf("tie resolution diverged: %q vs %q", forwardValue, reverseValue)
	}
	if forwardValue != "From B" {
		testContext.Fatalf("expected higher actor id to win the clock tie, got %q", forwardValue)
	}
}
