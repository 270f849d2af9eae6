package identity

import (
	"context"
	"errors"
	"time"

	"github.com/karmalink/backend/internal/keylock"
	"github.com/karmalink/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// UpsertStatus reports what Upsert did with the asserted profile.
type UpsertStatus string

const (
	// StatusNew means the identity was seen for the first time.
	StatusNew UpsertStatus = "new"
	// StatusUpdated means the reported karma differed and a new version was recorded.
	StatusUpdated UpsertStatus = "updated"
	// StatusUnchanged means the stored data already matches the assertion.
	StatusUnchanged UpsertStatus = "unchanged"
)

// BindingStatus reports the outcome of a binding request.
type BindingStatus string

const (
	// BindingConfirmationRequired means the identity was stored as pending and
	// the user must confirm it.
	BindingConfirmationRequired BindingStatus = "confirmation_required"
	// BindingAlreadyBound means the device already uses this exact identity.
	BindingAlreadyBound BindingStatus = "already_bound"
)

// BindingResult carries the binding outcome and the identity it concerns.
type BindingResult struct {
	Status   BindingStatus
	Identity Identity
}

var (
	// ErrNoPendingIdentity indicates ConfirmPending was called with nothing to confirm.
	ErrNoPendingIdentity = errors.New("identity: no pending identity")
	// ErrNotFound indicates the referenced identity does not exist.
	ErrNotFound = errors.New("identity: not found")

	errMissingDatabase = errors.New("identity: database handle is required")
	errMissingLocks    = errors.New("identity: lock manager is required")
	noOpLogger         = zap.NewNop()
)

// ServiceConfig describes the dependencies for identity reconciliation.
type ServiceConfig struct {
	Database *gorm.DB
	Locks    *keylock.Manager
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service reconciles external identity assertions with per-device state.
type Service struct {
	db     *gorm.DB
	locks  *keylock.Manager
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Locks == nil {
		return nil, errMissingLocks
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, locks: cfg.Locks, clock: clock, logger: logger}, nil
}

// Get returns the identity by internal id.
func (s *Service) Get(ctx context.Context, identityID int64) (Identity, error) {
	var row Identity
	err := s.db.WithContext(ctx).Where("identity_id = ?", identityID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Identity{}, ErrNotFound
	}
	if err != nil {
		return Identity{}, err
	}
	return row, nil
}

// CurrentVersion returns the reputation snapshot the identity row points at.
func (s *Service) CurrentVersion(ctx context.Context, identityID int64) (Version, error) {
	row, err := s.Get(ctx, identityID)
	if err != nil {
		return Version{}, err
	}
	var version Version
	err = s.db.WithContext(ctx).
		Where("identity_id = ? AND version = ?", row.ID, row.DataVersion).
		Take(&version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Version{}, ErrNotFound
	}
	if err != nil {
		return Version{}, err
	}
	return version, nil
}

// Upsert records the asserted profile. First sight creates the identity at
// version 1; a karma change appends a new version and advances the pointer;
// otherwise nothing is written.
func (s *Service) Upsert(ctx context.Context, profile Profile) (Identity, UpsertStatus, error) {
	now := s.clock().UTC().Unix()

	var row Identity
	status := StatusUnchanged
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("provider_id = ?", profile.ProviderID).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			row = Identity{
				ProviderID:               profile.ProviderID,
				DisplayName:              profile.DisplayName,
				Karma:                    profile.Karma,
				DataVersion:              1,
				ProviderCreatedAtSeconds: profile.CreatedAt.UTC().Unix(),
				FirstSeenAtSeconds:       now,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			status = StatusNew
			return tx.Create(&Version{
				IdentityID:        row.ID,
				Version:           1,
				Karma:             profile.Karma,
				ProfileJSON:       profile.RawJSON,
				RecordedAtSeconds: now,
			}).Error
		}
		if err != nil {
			return err
		}

		if row.Karma == profile.Karma {
			return nil
		}

		status = StatusUpdated
		newVersion := row.DataVersion + 1
		updates := map[string]interface{}{
			"karma":        profile.Karma,
			"data_version": newVersion,
			"display_name": profile.DisplayName,
		}
		if err := tx.Model(&Identity{}).Where("identity_id = ?", row.ID).Updates(updates).Error; err != nil {
			return err
		}
		row.Karma = profile.Karma
		row.DataVersion = newVersion
		row.DisplayName = profile.DisplayName
		return tx.Create(&Version{
			IdentityID:        row.ID,
			Version:           newVersion,
			Karma:             profile.Karma,
			ProfileJSON:       profile.RawJSON,
			RecordedAtSeconds: now,
		}).Error
	})
	if txErr != nil {
		s.logError("identity.upsert", "transaction_failed", txErr, zap.String("provider_id", profile.ProviderID))
		return Identity{}, "", txErr
	}
	return row, status, nil
}

// RequestBinding reconciles an asserted identity with the device's state
// under the device key lock. A device already bound to (or already awaiting
// confirmation of) this exact identity gets BindingAlreadyBound; anything
// else stores the identity as pending, replacing any prior pending choice.
func (s *Service) RequestBinding(ctx context.Context, deviceAddress string, identityID int64) (BindingResult, error) {
	asserted, err := s.Get(ctx, identityID)
	if err != nil {
		return BindingResult{}, err
	}

	var result BindingResult
	err = s.locks.Run(ctx, []string{deviceAddress}, func() error {
		var user users.User
		err := s.db.WithContext(ctx).Where("device_address = ?", deviceAddress).Take(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return users.ErrUnknownDevice
		}
		if err != nil {
			return err
		}

		bound := user.IdentityID != nil && *user.IdentityID == identityID
		pending := user.PendingIdentityID != nil && *user.PendingIdentityID == identityID
		if bound || pending {
			result = BindingResult{Status: BindingAlreadyBound, Identity: asserted}
			return nil
		}

		if err := s.db.WithContext(ctx).
			Model(&users.User{}).
			Where("device_address = ?", deviceAddress).
			Update("pending_identity_id", identityID).Error; err != nil {
			return err
		}
		result = BindingResult{Status: BindingConfirmationRequired, Identity: asserted}
		return nil
	})
	if err != nil {
		return BindingResult{}, err
	}
	return result, nil
}

// ConfirmPending resolves the pending identity under the device key lock.
// Accepting promotes pending to bound; either way the pending slot clears.
func (s *Service) ConfirmPending(ctx context.Context, deviceAddress string, accept bool) (Identity, error) {
	var confirmed Identity
	err := s.locks.Run(ctx, []string{deviceAddress}, func() error {
		var user users.User
		err := s.db.WithContext(ctx).Where("device_address = ?", deviceAddress).Take(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return users.ErrUnknownDevice
		}
		if err != nil {
			return err
		}
		if user.PendingIdentityID == nil {
			return ErrNoPendingIdentity
		}

		confirmed, err = s.Get(ctx, *user.PendingIdentityID)
		if err != nil {
			return err
		}

		updates := map[string]interface{}{"pending_identity_id": nil}
		if accept {
			updates["identity_id"] = *user.PendingIdentityID
		}
		return s.db.WithContext(ctx).
			Model(&users.User{}).
			Where("device_address = ?", deviceAddress).
			Updates(updates).Error
	})
	if err != nil {
		return Identity{}, err
	}
	return confirmed, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	s.logger.Error("identity service error", attrs...)
}
