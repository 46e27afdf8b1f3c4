package document

import (
	"errors"
	"fmt"
	"strings"
)

// DocType enumerates the supported shared document kinds.
type DocType string

const (
	// DocTypePresentation is a slide deck document.
	DocTypePresentation DocType = "presentation"
	// DocTypeTheme is a reusable styling document other documents derive from.
	DocTypeTheme DocType = "theme"
	// DocTypeEvent is a live event document.
	DocTypeEvent DocType = "event"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("document: invalid document id")
	// ErrInvalidDocType indicates an unknown document kind.
	ErrInvalidDocType = errors.New("document: invalid document type")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// ParseDocType validates a raw document kind.
func ParseDocType(rawInput string) (DocType, error) {
	switch DocType(strings.ToLower(strings.TrimSpace(rawInput))) {
	case DocTypePresentation:
		return DocTypePresentation, nil
	case DocTypeTheme:
		return DocTypeTheme, nil
	case DocTypeEvent:
		return DocTypeEvent, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDocType, rawInput)
	}
}

// Document models a shared document row. A document may derive its content
// from a base document; the base chain must stay acyclic.
type Document struct {
	DocumentID       string  `gorm:"column:document_id;primaryKey;size:190;not null"`
	OwnerID          string  `gorm:"column:owner_id;size:190;not null;index:idx_documents_owner"`
	DocType          string  `gorm:"column:doc_type;size:32;not null"`
	Name             string  `gorm:"column:name;size:255;not null"`
	IsPublic         bool    `gorm:"column:is_public;not null;default:false"`
	MetaJSON         string  `gorm:"column:meta_json;type:text;not null;default:'{}'"`
	BaseDocumentID   *string `gorm:"column:base_document_id;size:190"`
	UpdatedAtSeconds int64   `gorm:"column:updated_at_s;not null"`
	DeletedAtSeconds *int64  `gorm:"column:deleted_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// DocumentUpdate stores one append-only CRDT update payload. Rows are
// immutable once written; removal is a soft delete.
type DocumentUpdate struct {
	UpdateID          int64   `gorm:"column:update_id;primaryKey;autoIncrement"`
	DocumentID        string  `gorm:"column:document_id;size:190;not null;index:idx_document_updates_document,priority:1"`
	UserID            *string `gorm:"column:user_id;size:190"`
	Payload           []byte  `gorm:"column:payload;type:blob;not null"`
	InsertedAtSeconds int64   `gorm:"column:inserted_at_s;not null;index:idx_document_updates_document,priority:2"`
	DeletedAtSeconds  *int64  `gorm:"column:deleted_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentUpdate) TableName() string {
	return "document_updates"
}

// DocumentUser is a sharing grant for one user on one document.
type DocumentUser struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null"`
	CanWrite         bool   `gorm:"column:can_write;not null;default:false"`
	DeletedAtSeconds *int64 `gorm:"column:deleted_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentUser) TableName() string {
	return "document_users"
}

// UpdateRecord captures one loaded update ready for replay.
type UpdateRecord struct {
	UpdateID   int64
	DocumentID DocumentID
	Payload    []byte
}
