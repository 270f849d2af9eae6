package rewards

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/karmalink/backend/internal/config"
	"github.com/karmalink/backend/internal/database"
	"github.com/karmalink/backend/internal/texts"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Messenger delivers chat messages to a device.
type Messenger interface {
	SendText(ctx context.Context, deviceAddress, text string) error
}

// Payer sends a native-currency payout from the distribution fund.
type Payer interface {
	Payout(ctx context.Context, toAddress string, amountBytes int64) (unit string, err error)
}

// RateConverter translates a USD amount into native bytes.
type RateConverter interface {
	USDToNativeAmount(usd float64) (int64, error)
}

// Referrer identifies the attested user whose address funded a newcomer.
type Referrer struct {
	UserAddress   string
	DeviceAddress string
	IdentityID    int64
}

// ReferralResolver finds who funded a new user's fee payment.
type ReferralResolver interface {
	FindReferrer(ctx context.Context, paymentUnit, newUserAddress string) (Referrer, bool, error)
}

// OperatorNotifier escalates noteworthy conditions to the operator channel.
type OperatorNotifier interface {
	NotifyOperator(subject, detail string)
}

var (
	errMissingDatabase  = errors.New("rewards: database handle is required")
	errMissingMessenger = errors.New("rewards: messenger is required")
	errMissingPayer     = errors.New("rewards: payer is required")
	errMissingConverter = errors.New("rewards: rate converter is required")
	errMissingResolver  = errors.New("rewards: referral resolver is required")
	errMissingOperator  = errors.New("rewards: operator notifier is required")
	noOpLogger          = zap.NewNop()
)

// LedgerConfig describes the dependencies for reward settlement.
type LedgerConfig struct {
	Database  *gorm.DB
	Tiers     []config.RewardTier
	Messenger Messenger
	Payer     Payer
	Converter RateConverter
	Resolver  ReferralResolver
	Operator  OperatorNotifier
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Ledger issues karma-tiered first-time and referral bonuses exactly once
// per qualifying pair.
type Ledger struct {
	db        *gorm.DB
	tiers     []config.RewardTier
	messenger Messenger
	payer     Payer
	converter RateConverter
	resolver  ReferralResolver
	operator  OperatorNotifier
	clock     func() time.Time
	logger    *zap.Logger
}

// NewLedger constructs the reward ledger.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Messenger == nil {
		return nil, errMissingMessenger
	}
	if cfg.Payer == nil {
		return nil, errMissingPayer
	}
	if cfg.Converter == nil {
		return nil, errMissingConverter
	}
	if cfg.Resolver == nil {
		return nil, errMissingResolver
	}
	if cfg.Operator == nil {
		return nil, errMissingOperator
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Ledger{
		db:        cfg.Database,
		tiers:     cfg.Tiers,
		messenger: cfg.Messenger,
		payer:     cfg.Payer,
		converter: cfg.Converter,
		resolver:  cfg.Resolver,
		operator:  cfg.Operator,
		clock:     clock,
		logger:    logger,
	}, nil
}

// TierFor exposes the configured tier rule.
func (l *Ledger) TierFor(karma int64) float64 {
	return TierFor(l.tiers, karma)
}

// FirstTimeReward describes a confirmed, attested payment eligible for the
// welcome bonus.
type FirstTimeReward struct {
	TransactionID int64
	DeviceAddress string
	UserAddress   string
	IdentityID    int64
	Karma         int64
}

// IssueFirstTimeReward issues the karma-tiered welcome bonus at most once
// per (user address, identity) pair. When the bonus was already issued the
// call reports the amounts of the existing record without paying again, so
// a retried settlement can still carry them into referral settlement.
// Both amounts are zero only when the karma satisfies no tier.
func (l *Ledger) IssueFirstTimeReward(ctx context.Context, req FirstTimeReward) (float64, int64, error) {
	rewardUSD := l.TierFor(req.Karma)
	if rewardUSD == 0 {
		return 0, 0, nil
	}

	var existing RewardRecord
	err := l.db.WithContext(ctx).
		Where("user_address = ? AND identity_id = ?", req.UserAddress, req.IdentityID).
		Take(&existing).Error
	if err == nil {
		l.logger.Debug("first-time reward already issued",
			zap.String("user_address", req.UserAddress),
			zap.Int64("identity_id", req.IdentityID))
		return existing.RewardUSD, existing.AmountBytes, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, 0, err
	}

	amountBytes, err := l.converter.USDToNativeAmount(rewardUSD)
	if err != nil {
		l.logError("rewards.issue_first_time", "conversion_failed", err,
			zap.Int64("transaction_id", req.TransactionID))
		return 0, 0, err
	}

	record := RewardRecord{
		UserAddress:      req.UserAddress,
		IdentityID:       req.IdentityID,
		TransactionID:    req.TransactionID,
		DeviceAddress:    req.DeviceAddress,
		RewardUSD:        rewardUSD,
		AmountBytes:      amountBytes,
		CreatedAtSeconds: l.clock().UTC().Unix(),
	}
	created, err := database.InsertIfAbsent(l.db.WithContext(ctx), &record)
	if err != nil {
		return 0, 0, err
	}
	if !created {
		// Lost a race; the winner's row carries the issued amounts.
		if err := l.db.WithContext(ctx).
			Where("user_address = ? AND identity_id = ?", req.UserAddress, req.IdentityID).
			Take(&existing).Error; err != nil {
			return 0, 0, err
		}
		return existing.RewardUSD, existing.AmountBytes, nil
	}

	if err := l.messenger.SendText(ctx, req.DeviceAddress, texts.FirstTimeBonus(rewardUSD, amountBytes)); err != nil {
		l.logError("rewards.issue_first_time", "notify_failed", err,
			zap.String("device_address", req.DeviceAddress))
	}

	l.pay(ctx, req.UserAddress, amountBytes, func(unit string) error {
		return l.db.WithContext(ctx).
			Model(&RewardRecord{}).
			Where("user_address = ? AND identity_id = ?", req.UserAddress, req.IdentityID).
			Update("paid_unit", unit).Error
	})
	return rewardUSD, amountBytes, nil
}

// ReferralSettlement describes a freshly rewarded attestation whose funding
// may qualify a referrer.
type ReferralSettlement struct {
	TransactionID  int64
	PaymentUnit    string
	NewUserAddress string
	NewIdentityID  int64
	RewardUSD      float64
	AmountBytes    int64
}

// SettleReferral pays whoever funded a first-time user's fee payment. No
// referrer means nothing to do. A re-run for the same transaction stops
// silently so interrupted settlements can be retried; a record written by a
// different transaction is escalated to the operator, since the upstream
// exactly-once gates should have made a second qualifying settlement for
// the same pair impossible.
func (l *Ledger) SettleReferral(ctx context.Context, req ReferralSettlement) error {
	referrer, found, err := l.resolver.FindReferrer(ctx, req.PaymentUnit, req.NewUserAddress)
	if err != nil {
		l.logError("rewards.settle_referral", "resolver_failed", err,
			zap.String("payment_unit", req.PaymentUnit))
		return err
	}
	if !found {
		l.logger.Debug("no referrer for new user", zap.String("new_user_address", req.NewUserAddress))
		return nil
	}

	record := ReferralRewardRecord{
		ReferrerAddress:  referrer.UserAddress,
		NewIdentityID:    req.NewIdentityID,
		TransactionID:    req.TransactionID,
		ReferrerDevice:   referrer.DeviceAddress,
		NewUserAddress:   req.NewUserAddress,
		RewardUSD:        req.RewardUSD,
		AmountBytes:      req.AmountBytes,
		CreatedAtSeconds: l.clock().UTC().Unix(),
	}
	created, err := database.InsertIfAbsent(l.db.WithContext(ctx), &record)
	if err != nil {
		return err
	}
	if !created {
		var existing ReferralRewardRecord
		if err := l.db.WithContext(ctx).
			Where("referrer_address = ? AND new_identity_id = ?", referrer.UserAddress, req.NewIdentityID).
			Take(&existing).Error; err != nil {
			return err
		}
		if existing.TransactionID == req.TransactionID {
			l.logger.Debug("referral reward already settled",
				zap.String("referrer_address", referrer.UserAddress),
				zap.Int64("new_identity_id", req.NewIdentityID))
			return nil
		}
		l.operator.NotifyOperator("duplicate referral reward",
			fmt.Sprintf("referral reward for new user %s (identity %d) already written",
				req.NewUserAddress, req.NewIdentityID))
		return nil
	}

	if err := l.messenger.SendText(ctx, referrer.DeviceAddress, texts.ReferralBonus(req.RewardUSD, req.AmountBytes)); err != nil {
		l.logError("rewards.settle_referral", "notify_failed", err,
			zap.String("device_address", referrer.DeviceAddress))
	}

	l.pay(ctx, referrer.UserAddress, req.AmountBytes, func(unit string) error {
		return l.db.WithContext(ctx).
			Model(&ReferralRewardRecord{}).
			Where("referrer_address = ? AND new_identity_id = ?", referrer.UserAddress, req.NewIdentityID).
			Update("paid_unit", unit).Error
	})
	return nil
}

// RetryUnpaid re-attempts payouts recorded but never sent. Meant to run on a
// timer; the single record row per pair makes a double payout impossible.
func (l *Ledger) RetryUnpaid(ctx context.Context) error {
	var firstTime []RewardRecord
	if err := l.db.WithContext(ctx).Where("paid_unit IS NULL").Find(&firstTime).Error; err != nil {
		return err
	}
	for _, record := range firstTime {
		record := record
		l.pay(ctx, record.UserAddress, record.AmountBytes, func(unit string) error {
			return l.db.WithContext(ctx).
				Model(&RewardRecord{}).
				Where("user_address = ? AND identity_id = ?", record.UserAddress, record.IdentityID).
				Update("paid_unit", unit).Error
		})
	}

	var referrals []ReferralRewardRecord
	if err := l.db.WithContext(ctx).Where("paid_unit IS NULL").Find(&referrals).Error; err != nil {
		return err
	}
	for _, record := range referrals {
		record := record
		l.pay(ctx, record.ReferrerAddress, record.AmountBytes, func(unit string) error {
			return l.db.WithContext(ctx).
				Model(&ReferralRewardRecord{}).
				Where("referrer_address = ? AND new_identity_id = ?", record.ReferrerAddress, record.NewIdentityID).
				Update("paid_unit", unit).Error
		})
	}
	return nil
}

// pay sends the payout and stamps the record on success. Failures are
// reported to the operator and left for RetryUnpaid.
func (l *Ledger) pay(ctx context.Context, toAddress string, amountBytes int64, stamp func(unit string) error) {
	unit, err := l.payer.Payout(ctx, toAddress, amountBytes)
	if err != nil {
		l.logError("rewards.payout", "payout_failed", err, zap.String("to_address", toAddress))
		l.operator.NotifyOperator("reward payout failed",
			fmt.Sprintf("payout of %d bytes to %s: %v", amountBytes, toAddress, err))
		return
	}
	if err := stamp(unit); err != nil {
		l.logError("rewards.payout", "record_stamp_failed", err,
			zap.String("to_address", toAddress),
			zap.String("unit", unit))
	}
}

func (l *Ledger) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	l.logger.Error("reward ledger error", attrs...)
}

