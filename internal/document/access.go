package document

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AccessLevel is a session's resolved access to one document.
type AccessLevel string

const (
	// AccessReadWrite allows merging updates into the document.
	AccessReadWrite AccessLevel = "read_write"
	// AccessReadOnly allows observing the document and sharing awareness.
	AccessReadOnly AccessLevel = "read_only"
	// AccessDenied refuses the join outright.
	AccessDenied AccessLevel = "denied"
)

// CanWrite reports whether the level permits merging updates.
func (level AccessLevel) CanWrite() bool {
	return level == AccessReadWrite
}

const (
	opResolveAccess  = "document.resolve_access"
	queryActiveGrant = "document_id = ? AND user_id = ? AND deleted_at_s IS NULL"
)

// ResolverConfig describes the dependencies of a Resolver.
type ResolverConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Resolver computes a session's access level for a document.
type Resolver struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewResolver validates the configuration and returns a Resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opResolveAccess, reasonMissingDatabase, errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Resolver{db: cfg.Database, logger: logger}, nil
}

// Resolve evaluates, in order: owner, explicit grant, public visibility. An
// empty userID is an anonymous session, which can only reach read-only access
// through a public document, never through a grant.
func (resolver *Resolver) Resolve(ctx context.Context, documentID DocumentID, userID string) (AccessLevel, error) {
	var row Document
	err := resolver.db.WithContext(ctx).
		Where(queryDocumentActive, documentID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return AccessDenied, ErrDocumentNotFound
	}
	if err != nil {
		resolver.logger.Error("access resolution query failed",
			zap.String("operation", opResolveAccess),
			zap.String(fieldDocument, documentID.String()),
			zap.Error(err))
		return AccessDenied, newServiceError(opResolveAccess, reasonQueryFailed, err)
	}

	if userID != "" {
		if row.OwnerID == userID {
			return AccessReadWrite, nil
		}
		var grant DocumentUser
		grantErr := resolver.db.WithContext(ctx).
			Where(queryActiveGrant, documentID.String(), userID).
			Take(&grant).Error
		if grantErr == nil {
			if grant.CanWrite {
				return AccessReadWrite, nil
			}
			return AccessReadOnly, nil
		}
		if !errors.Is(grantErr, gorm.ErrRecordNotFound) {
			resolver.logger.Error("grant lookup failed",
				zap.String("operation", opResolveAccess),
				zap.String(fieldDocument, documentID.String()),
				zap.String(fieldUser, userID),
				zap.Error(grantErr))
			return AccessDenied, newServiceError(opResolveAccess, reasonQueryFailed, grantErr)
		}
	}

	if row.IsPublic {
		return AccessReadOnly, nil
	}
	return AccessDenied, nil
}
