package addresses

import (
	"context"
	"errors"
	"time"

	"github.com/karmalink/backend/internal/keylock"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AddressIssuer hands out fresh receiving addresses from the wallet.
type AddressIssuer interface {
	IssueReceivingAddress(ctx context.Context) (string, error)
}

var (
	// ErrNotFound indicates no receiving address exists for the lookup key.
	ErrNotFound = errors.New("addresses: not found")

	errMissingDatabase = errors.New("addresses: database handle is required")
	errMissingLocks    = errors.New("addresses: lock manager is required")
	errMissingIssuer   = errors.New("addresses: address issuer is required")
	errMissingPrice    = errors.New("addresses: fee price must be positive")
	noOpLogger         = zap.NewNop()
)

// ServiceConfig describes the dependencies for address assignment.
type ServiceConfig struct {
	Database   *gorm.DB
	Locks      *keylock.Manager
	Issuer     AddressIssuer
	PriceBytes int64
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service assigns receiving addresses, at most one per key triple.
type Service struct {
	db     *gorm.DB
	locks  *keylock.Manager
	issuer AddressIssuer
	price  int64
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the address assignment service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Locks == nil {
		return nil, errMissingLocks
	}
	if cfg.Issuer == nil {
		return nil, errMissingIssuer
	}
	if cfg.PriceBytes <= 0 {
		return nil, errMissingPrice
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:     cfg.Database,
		locks:  cfg.Locks,
		issuer: cfg.Issuer,
		price:  cfg.PriceBytes,
		clock:  clock,
		logger: logger,
	}, nil
}

// GetOrAssign returns the receiving address for the triple, requesting a
// fresh one from the wallet on first use. The device key lock plus the
// lookup-before-create make concurrent calls for the same triple converge on
// a single row.
func (s *Service) GetOrAssign(ctx context.Context, deviceAddress, userAddress string, identityID int64) (ReceivingAddress, error) {
	var row ReceivingAddress
	err := s.locks.Run(ctx, []string{deviceAddress}, func() error {
		err := s.db.WithContext(ctx).
			Where("device_address = ? AND user_address = ? AND identity_id = ?", deviceAddress, userAddress, identityID).
			Take(&row).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		issued, err := s.issuer.IssueReceivingAddress(ctx)
		if err != nil {
			s.logger.Error("addresses service error",
				zap.String("operation", "addresses.get_or_assign"),
				zap.String("reason", "issue_failed"),
				zap.String("device_address", deviceAddress),
				zap.Error(err))
			return err
		}

		row = ReceivingAddress{
			Address:           issued,
			DeviceAddress:     deviceAddress,
			UserAddress:       userAddress,
			IdentityID:        identityID,
			PriceBytes:        s.price,
			AssignedAtSeconds: s.clock().UTC().Unix(),
		}
		return s.db.WithContext(ctx).Create(&row).Error
	})
	if err != nil {
		return ReceivingAddress{}, err
	}
	return row, nil
}

// SetVisibility records the private/public choice for the triple's row. The
// assigned address itself never changes.
func (s *Service) SetVisibility(ctx context.Context, deviceAddress, userAddress string, identityID int64, public bool) error {
	return s.db.WithContext(ctx).
		Model(&ReceivingAddress{}).
		Where("device_address = ? AND user_address = ? AND identity_id = ?", deviceAddress, userAddress, identityID).
		Update("post_publicly", public).Error
}

// FindByAddress resolves a receiving address back to its assignment row.
func (s *Service) FindByAddress(ctx context.Context, receivingAddress string) (ReceivingAddress, error) {
	var row ReceivingAddress
	err := s.db.WithContext(ctx).
		Where("receiving_address = ?", receivingAddress).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ReceivingAddress{}, ErrNotFound
	}
	if err != nil {
		return ReceivingAddress{}, err
	}
	return row, nil
}
