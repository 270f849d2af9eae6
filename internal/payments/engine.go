package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/karmalink/backend/internal/addresses"
	"github.com/karmalink/backend/internal/attestation"
	"github.com/karmalink/backend/internal/database"
	"github.com/karmalink/backend/internal/identity"
	"github.com/karmalink/backend/internal/rewards"
	"github.com/karmalink/backend/internal/texts"
	"github.com/karmalink/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Messenger delivers chat messages to a device.
type Messenger interface {
	SendText(ctx context.Context, deviceAddress, text string) error
}

// AuthorLookup reports the signing addresses of a payment unit.
type AuthorLookup interface {
	GetUnitAuthors(ctx context.Context, unit string) ([]string, error)
}

// OperatorNotifier escalates collaborator failures to the operator channel.
type OperatorNotifier interface {
	NotifyOperator(subject, detail string)
}

// PaymentNotice is one output of a newly detected payment unit addressed to
// one of our receiving addresses. It arrives over the wallet daemon's event
// webhook.
type PaymentNotice struct {
	Unit             string `json:"unit"`
	Amount           int64  `json:"amount"`
	Asset            string `json:"asset"`
	ReceivingAddress string `json:"receiving_address"`
}

var (
	errMissingDatabase   = errors.New("payments: database handle is required")
	errMissingAddresses  = errors.New("payments: address service is required")
	errMissingUsers      = errors.New("payments: user service is required")
	errMissingIdentities = errors.New("payments: identity service is required")
	errMissingDispatcher = errors.New("payments: attestation dispatcher is required")
	errMissingLedger     = errors.New("payments: reward ledger is required")
	errMissingMessenger  = errors.New("payments: messenger is required")
	errMissingAuthors    = errors.New("payments: author lookup is required")
	errMissingOperator   = errors.New("payments: operator notifier is required")
	noOpLogger           = zap.NewNop()
)

// EngineConfig describes the dependencies for payment reconciliation.
type EngineConfig struct {
	Database   *gorm.DB
	Addresses  *addresses.Service
	Users      *users.Service
	Identities *identity.Service
	Dispatcher *attestation.Dispatcher
	Ledger     *rewards.Ledger
	Messenger  Messenger
	Authors    AuthorLookup
	Operator   OperatorNotifier
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Engine validates detected payments, records the accept/reject decision,
// and drives the confirmed-payment fan-out to attestation and rewards.
type Engine struct {
	db         *gorm.DB
	addresses  *addresses.Service
	users      *users.Service
	identities *identity.Service
	dispatcher *attestation.Dispatcher
	ledger     *rewards.Ledger
	messenger  Messenger
	authors    AuthorLookup
	operator   OperatorNotifier
	clock      func() time.Time
	logger     *zap.Logger
}

// NewEngine constructs the reconciliation engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Addresses == nil {
		return nil, errMissingAddresses
	}
	if cfg.Users == nil {
		return nil, errMissingUsers
	}
	if cfg.Identities == nil {
		return nil, errMissingIdentities
	}
	if cfg.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	if cfg.Ledger == nil {
		return nil, errMissingLedger
	}
	if cfg.Messenger == nil {
		return nil, errMissingMessenger
	}
	if cfg.Authors == nil {
		return nil, errMissingAuthors
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
	return &Engine{
		db:         cfg.Database,
		addresses:  cfg.Addresses,
		users:      cfg.Users,
		identities: cfg.Identities,
		dispatcher: cfg.Dispatcher,
		ledger:     cfg.Ledger,
		messenger:  cfg.Messenger,
		authors:    cfg.Authors,
		operator:   cfg.Operator,
		clock:      clock,
		logger:     logger,
	}, nil
}

// HandlePaymentsDetected validates each notice in order (asset, amount,
// signer) and records a Transaction or a RejectedPayment. Both writes are
// duplicate-tolerant so a redelivered detection event neither duplicates
// rows nor re-notifies the user.
func (e *Engine) HandlePaymentsDetected(ctx context.Context, notices []PaymentNotice) error {
	for _, notice := range notices {
		assignment, err := e.addresses.FindByAddress(ctx, notice.ReceivingAddress)
		if errors.Is(err, addresses.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}

		reason, skip := e.validate(ctx, notice, assignment)
		if skip {
			continue
		}
		if reason != "" {
			if err := e.reject(ctx, notice, assignment, reason); err != nil {
				return err
			}
			continue
		}

		if err := e.accept(ctx, notice, assignment); err != nil {
			return err
		}
	}
	return nil
}

// validate returns a rejection reason, or skip=true when the signer lookup
// failed and the decision must wait for redelivery.
func (e *Engine) validate(ctx context.Context, notice PaymentNotice, assignment addresses.ReceivingAddress) (reason string, skip bool) {
	if notice.Asset != NativeAsset {
		return texts.WrongAsset(), false
	}

	if notice.Amount < assignment.PriceBytes {
		return texts.Underpaid(notice.Amount, assignment.PriceBytes, assignment.Address), false
	}

	authors, err := e.authors.GetUnitAuthors(ctx, notice.Unit)
	if err != nil {
		e.logError("payments.detect", "author_lookup_failed", err, zap.String("unit", notice.Unit))
		e.operator.NotifyOperator("unit author lookup failed", fmt.Sprintf("unit %s: %v", notice.Unit, err))
		return "", true
	}
	if len(authors) != 1 {
		e.clearUserAddress(ctx, assignment.DeviceAddress)
		return texts.NotFromSingleAddress(), false
	}
	if authors[0] != assignment.UserAddress {
		e.clearUserAddress(ctx, assignment.DeviceAddress)
		return texts.NotFromExpectedAddress(assignment.UserAddress), false
	}
	return "", false
}

func (e *Engine) reject(ctx context.Context, notice PaymentNotice, assignment addresses.ReceivingAddress, reason string) error {
	record := RejectedPayment{
		PaymentUnit:      notice.Unit,
		ReceivingAddress: notice.ReceivingAddress,
		PriceBytes:       assignment.PriceBytes,
		ReceivedAmount:   notice.Amount,
		Reason:           reason,
		CreatedAtSeconds: e.clock().UTC().Unix(),
	}
	created, err := database.InsertIfAbsent(e.db.WithContext(ctx), &record)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}

	e.logger.Info("payment rejected",
		zap.String("unit", notice.Unit),
		zap.String("receiving_address", notice.ReceivingAddress),
		zap.String("reason", reason))
	if err := e.messenger.SendText(ctx, assignment.DeviceAddress, reason); err != nil {
		e.logError("payments.reject", "notify_failed", err, zap.String("device_address", assignment.DeviceAddress))
	}
	return nil
}

func (e *Engine) accept(ctx context.Context, notice PaymentNotice, assignment addresses.ReceivingAddress) error {
	record := Transaction{
		PaymentUnit:      notice.Unit,
		ReceivingAddress: notice.ReceivingAddress,
		PriceBytes:       assignment.PriceBytes,
		ReceivedAmount:   notice.Amount,
		CreatedAtSeconds: e.clock().UTC().Unix(),
	}
	created, err := database.InsertIfAbsent(e.db.WithContext(ctx), &record)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}

	if err := e.messenger.SendText(ctx, assignment.DeviceAddress, texts.ReceivedYourPayment(notice.Amount)); err != nil {
		e.logError("payments.accept", "notify_failed", err, zap.String("device_address", assignment.DeviceAddress))
	}
	return nil
}

// HandlePaymentsFinalized advances matching transactions to confirmed. The
// transition is a guarded update on the unconfirmed row, so a redelivered
// finality event is a no-op: only the call that wins the transition sends
// the confirmation message and triggers attestation and rewards. A fan-out
// interrupted by a collaborator failure leaves the row confirmed but
// unsettled; RetrySettlements picks it up.
func (e *Engine) HandlePaymentsFinalized(ctx context.Context, unitIDs []string) error {
	for _, unit := range unitIDs {
		var tx Transaction
		err := e.db.WithContext(ctx).Where("payment_unit = ?", unit).Take(&tx).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return err
		}

		confirmedAt := e.clock().UTC().Unix()
		result := e.db.WithContext(ctx).
			Model(&Transaction{}).
			Where("payment_unit = ? AND is_confirmed = ?", unit, false).
			Updates(map[string]interface{}{"is_confirmed": true, "confirmed_at_s": confirmedAt})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			continue
		}

		if err := e.settleConfirmed(ctx, tx, true); err != nil {
			return err
		}
	}
	return nil
}

// RetrySettlements re-runs the confirmed-payment fan-out for transactions
// whose settlement was interrupted by a collaborator failure. Meant to run
// on a timer; the dispatch and reward gates keep the re-run exactly-once.
func (e *Engine) RetrySettlements(ctx context.Context) error {
	var pending []Transaction
	if err := e.db.WithContext(ctx).
		Where("is_confirmed = ? AND is_settled = ?", true, false).
		Find(&pending).Error; err != nil {
		return err
	}
	for _, tx := range pending {
		if err := e.settleConfirmed(ctx, tx, false); err != nil {
			e.logError("payments.settle_retry", "settlement_failed", err,
				zap.String("unit", tx.PaymentUnit))
		}
	}
	return nil
}

// settleConfirmed drives the attestation and reward fan-out for a confirmed
// transaction and stamps the row settled once every step has completed. The
// confirmation message is sent only on the first attempt; re-runs from the
// retry sweep stay quiet.
func (e *Engine) settleConfirmed(ctx context.Context, tx Transaction, notifyUser bool) error {
	assignment, err := e.addresses.FindByAddress(ctx, tx.ReceivingAddress)
	if err != nil {
		return err
	}

	if notifyUser {
		if err := e.messenger.SendText(ctx, assignment.DeviceAddress,
			texts.PaymentIsConfirmed()+"\n\n"+texts.InAttestation()); err != nil {
			e.logError("payments.confirm", "notify_failed", err, zap.String("device_address", assignment.DeviceAddress))
		}
	}

	bound, err := e.identities.Get(ctx, assignment.IdentityID)
	if err != nil {
		return err
	}

	public := assignment.PostPublicly != nil && *assignment.PostPublicly
	if _, err := e.dispatcher.Dispatch(ctx, tx.ID, attestation.Binding{
		UserAddress:       assignment.UserAddress,
		ProviderID:        bound.ProviderID,
		DisplayName:       bound.DisplayName,
		Karma:             bound.Karma,
		ProviderCreatedAt: bound.ProviderCreatedAtSeconds,
		Public:            public,
	}); err != nil {
		return err
	}

	rewardUSD, amountBytes, err := e.ledger.IssueFirstTimeReward(ctx, rewards.FirstTimeReward{
		TransactionID: tx.ID,
		DeviceAddress: assignment.DeviceAddress,
		UserAddress:   assignment.UserAddress,
		IdentityID:    assignment.IdentityID,
		Karma:         bound.Karma,
	})
	if err != nil {
		return err
	}
	if amountBytes > 0 {
		if err := e.ledger.SettleReferral(ctx, rewards.ReferralSettlement{
			TransactionID:  tx.ID,
			PaymentUnit:    tx.PaymentUnit,
			NewUserAddress: assignment.UserAddress,
			NewIdentityID:  assignment.IdentityID,
			RewardUSD:      rewardUSD,
			AmountBytes:    amountBytes,
		}); err != nil {
			return err
		}
	}

	settledAt := e.clock().UTC().Unix()
	return e.db.WithContext(ctx).
		Model(&Transaction{}).
		Where("transaction_id = ?", tx.ID).
		Updates(map[string]interface{}{"is_settled": true, "settled_at_s": settledAt}).Error
}

func (e *Engine) clearUserAddress(ctx context.Context, deviceAddress string) {
	if err := e.users.ClearPaymentAddress(ctx, deviceAddress); err != nil {
		e.logError("payments.detect", "clear_address_failed", err, zap.String("device_address", deviceAddress))
	}
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	e.logger.Error("payment engine error", attrs...)
}
