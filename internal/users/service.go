package users

import (
	"context"
	"errors"
	"time"

	"github.com/karmalink/backend/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrUnknownDevice indicates no user row exists for the device.
	ErrUnknownDevice = errors.New("users: unknown device")

	errMissingDatabase = errors.New("users: database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceConfig describes the dependencies for user state management.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service manages per-device user rows.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the user service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Ensure returns the user row for the device, creating it on first contact.
// Creation is duplicate-tolerant so concurrent first messages cannot race.
func (s *Service) Ensure(ctx context.Context, deviceAddress string) (User, error) {
	row := User{DeviceAddress: deviceAddress, CreatedAtSeconds: s.clock().UTC().Unix()}
	if _, err := database.InsertIfAbsent(s.db.WithContext(ctx), &row); err != nil {
		return User{}, err
	}
	return s.Get(ctx, deviceAddress)
}

// Get returns the user row for the device or ErrUnknownDevice.
func (s *Service) Get(ctx context.Context, deviceAddress string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).
		Where("device_address = ?", deviceAddress).
		Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUnknownDevice
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// SetPaymentAddress stores the payment address the user wants attested.
func (s *Service) SetPaymentAddress(ctx context.Context, deviceAddress, paymentAddress string) error {
	return s.db.WithContext(ctx).
		Model(&User{}).
		Where("device_address = ?", deviceAddress).
		Update("user_address", paymentAddress).Error
}

// ClearPaymentAddress forgets the registered payment address, forcing the
// user to resubmit one. Used when a payment arrives from an unexpected
// signer.
func (s *Service) ClearPaymentAddress(ctx context.Context, deviceAddress string) error {
	err := s.db.WithContext(ctx).
		Model(&User{}).
		Where("device_address = ?", deviceAddress).
		Update("user_address", nil).Error
	if err != nil {
		s.logger.Error("users service error",
			zap.String("operation", "users.clear_payment_address"),
			zap.String("device_address", deviceAddress),
			zap.Error(err))
	}
	return err
}
