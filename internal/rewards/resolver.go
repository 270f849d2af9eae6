package rewards

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// FundingLookup reports which addresses funded the given address before the
// payment unit was composed. Served by the wallet collaborator, which can
// walk the unit graph.
type FundingLookup interface {
	GetFundingAddresses(ctx context.Context, paymentUnit, fundedAddress string) ([]string, error)
}

var errMissingFunding = errors.New("rewards: funding lookup is required")

// ChainResolverConfig describes the dependencies for referral resolution.
type ChainResolverConfig struct {
	Database *gorm.DB
	Funding  FundingLookup
	Logger   *zap.Logger
}

// ChainResolver resolves a referrer by intersecting the addresses that
// funded the newcomer's payment with locally known attested users.
type ChainResolver struct {
	db      *gorm.DB
	funding FundingLookup
	logger  *zap.Logger
}

// NewChainResolver constructs the resolver.
func NewChainResolver(cfg ChainResolverConfig) (*ChainResolver, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Funding == nil {
		return nil, errMissingFunding
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &ChainResolver{db: cfg.Database, funding: cfg.Funding, logger: logger}, nil
}

// FindReferrer returns the earliest attested user among the funding
// addresses of the newcomer's payment. The newcomer's own address never
// qualifies.
func (r *ChainResolver) FindReferrer(ctx context.Context, paymentUnit, newUserAddress string) (Referrer, bool, error) {
	fundingAddresses, err := r.funding.GetFundingAddresses(ctx, paymentUnit, newUserAddress)
	if err != nil {
		return Referrer{}, false, err
	}
	if len(fundingAddresses) == 0 {
		return Referrer{}, false, nil
	}

	var referrer Referrer
	err = r.db.WithContext(ctx).Raw(`
		SELECT ra.user_address, ra.device_address, ra.identity_id
		FROM receiving_addresses ra
		JOIN transactions t ON t.receiving_address = ra.receiving_address AND t.is_confirmed = 1
		JOIN attestation_records ar ON ar.transaction_id = t.transaction_id
		WHERE ra.user_address IN ? AND ra.user_address <> ?
		ORDER BY t.transaction_id
		LIMIT 1`, fundingAddresses, newUserAddress).
		Row().Scan(&referrer.UserAddress, &referrer.DeviceAddress, &referrer.IdentityID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || errors.Is(err, gorm.ErrRecordNotFound) {
			return Referrer{}, false, nil
		}
		return Referrer{}, false, err
	}
	return referrer, true, nil
}
