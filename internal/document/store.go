package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opStoreNew    = "document.store.new"
	opFetch       = "document.fetch"
	opLoad        = "document.load"
	opAppend      = "document.append"
	opFlushMeta   = "document.flush_meta"
	fieldDocument = "document_id"
	fieldUser     = "user_id"

	columnUpdateID      = "update_id"
	orderUpdateIDAsc    = columnUpdateID + " ASC"
	queryDocumentActive = "document_id = ? AND deleted_at_s IS NULL"

	reasonMissingDatabase  = "missing_database"
	reasonQueryFailed      = "query_failed"
	reasonInsertFailed     = "insert_failed"
	reasonMetaEncodeFailed = "meta_encode_failed"
	reasonMetaWriteFailed  = "meta_write_failed"
)

var (
	// ErrDocumentNotFound indicates a missing or soft-deleted document.
	ErrDocumentNotFound = errors.New("document: not found")
	// ErrInheritanceCycle indicates a base-document chain that revisits an id.
	ErrInheritanceCycle = errors.New("document: inheritance cycle detected")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError attaches an operation/reason code to an underlying failure.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// StoreConfig describes the dependencies of a Store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the persistence adapter for documents and their update history.
// Exactly one document actor is the authoritative writer per document, so
// Append and FlushMeta are never raced by another writer for the same id.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Fetch returns the live document row or ErrDocumentNotFound.
func (store *Store) Fetch(ctx context.Context, documentID DocumentID) (Document, error) {
	var row Document
	err := store.db.WithContext(ctx).
		Where(queryDocumentActive, documentID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, ErrDocumentNotFound
	}
	if err != nil {
		store.logError(opFetch, reasonQueryFailed, err, zap.String(fieldDocument, documentID.String()))
		return Document{}, newServiceError(opFetch, reasonQueryFailed, err)
	}
	return row, nil
}

// Load resolves the inheritance chain for the target document and returns the
// concatenated active update history, base-most ancestor first, each segment
// in insertion order. Replaying the result on an empty root reconstructs the
// document's state.
func (store *Store) Load(ctx context.Context, documentID DocumentID) ([]UpdateRecord, error) {
	chain, err := store.resolveChain(ctx, documentID)
	if err != nil {
		return nil, err
	}

	var records []UpdateRecord
	for _, chainID := range chain {
		var rows []DocumentUpdate
		if err := store.db.WithContext(ctx).
			Where(queryDocumentActive, chainID.String()).
			Order(orderUpdateIDAsc).
			Find(&rows).Error; err != nil {
			store.logError(opLoad, reasonQueryFailed, err, zap.String(fieldDocument, chainID.String()))
			return nil, newServiceError(opLoad, reasonQueryFailed, err)
		}
		for _, row := range rows {
			records = append(records, UpdateRecord{
				UpdateID:   row.UpdateID,
				DocumentID: chainID,
				Payload:    row.Payload,
			})
		}
	}
	return records, nil
}

// resolveChain walks base pointers from the target up to its terminal
// ancestor and returns ids ordered base-most first. Revisiting an id fails
// with ErrInheritanceCycle instead of recursing unboundedly.
func (store *Store) resolveChain(ctx context.Context, documentID DocumentID) ([]DocumentID, error) {
	visited := make(map[DocumentID]struct{})
	var reversed []DocumentID

	current := documentID
	for {
		if _, seen := visited[current]; seen {
			store.logger.Error("inheritance cycle detected",
				zap.String(fieldDocument, documentID.String()),
				zap.String("revisited_id", current.String()))
			return nil, ErrInheritanceCycle
		}
		visited[current] = struct{}{}

		row, err := store.Fetch(ctx, current)
		if err != nil {
			if errors.Is(err, ErrDocumentNotFound) && current != documentID {
				// A vanished ancestor ends the chain; the descendant's own
				// history still replays.
				break
			}
			return nil, err
		}
		reversed = append(reversed, current)

		if row.BaseDocumentID == nil {
			break
		}
		base, err := NewDocumentID(*row.BaseDocumentID)
		if err != nil {
			return nil, newServiceError(opLoad, reasonQueryFailed, err)
		}
		current = base
	}

	chain := make([]DocumentID, 0, len(reversed))
	for index := len(reversed) - 1; index >= 0; index-- {
		chain = append(chain, reversed[index])
	}
	return chain, nil
}

// Append durably appends one update row. An empty userID records a NULL
// author, which also covers authors removed after the fact.
func (store *Store) Append(ctx context.Context, documentID DocumentID, userID string, payload []byte) (UpdateRecord, error) {
	row := DocumentUpdate{
		DocumentID:        documentID.String(),
		Payload:           append([]byte(nil), payload...),
		InsertedAtSeconds: store.clock().UTC().Unix(),
	}
	if userID != "" {
		author := userID
		row.UserID = &author
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		store.logError(opAppend, reasonInsertFailed, err,
			zap.String(fieldDocument, documentID.String()),
			zap.String(fieldUser, userID))
		return UpdateRecord{}, newServiceError(opAppend, reasonInsertFailed, err)
	}
	return UpdateRecord{
		UpdateID:   row.UpdateID,
		DocumentID: documentID,
		Payload:    row.Payload,
	}, nil
}

// FlushMeta overwrites the document's meta column with the supplied snapshot.
func (store *Store) FlushMeta(ctx context.Context, documentID DocumentID, snapshot map[string]string) error {
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		store.logError(opFlushMeta, reasonMetaEncodeFailed, err, zap.String(fieldDocument, documentID.String()))
		return newServiceError(opFlushMeta, reasonMetaEncodeFailed, err)
	}
	result := store.db.WithContext(ctx).
		Model(&Document{}).
		Where(queryDocumentActive, documentID.String()).
		Updates(map[string]interface{}{
			"meta_json":    string(encoded),
			"updated_at_s": store.clock().UTC().Unix(),
		})
	if result.Error != nil {
		store.logError(opFlushMeta, reasonMetaWriteFailed, result.Error, zap.String(fieldDocument, documentID.String()))
		return newServiceError(opFlushMeta, reasonMetaWriteFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

func (store *Store) logError(operation, reason string, cause error, fields ...zap.Field) {
	logFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(cause),
	}, fields...)
	store.logger.Error("document store operation failed", logFields...)
}
