package attestation

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/karmalink/backend/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Attestor publishes attestation payloads on the value-transfer network.
type Attestor interface {
	PostAttestation(ctx context.Context, payload Payload) (unit string, err error)
}

// OperatorNotifier escalates failures to the operator channel.
type OperatorNotifier interface {
	NotifyOperator(subject, detail string)
}

// Binding is the identity/address pair a dispatched attestation covers.
type Binding struct {
	UserAddress       string
	ProviderID        string
	DisplayName       string
	Karma             int64
	ProviderCreatedAt int64
	Public            bool
}

// Payload is the attestation document handed to the attestor. Private
// attestations carry only the opaque profile id; public ones embed the
// profile fields.
type Payload struct {
	Address   string            `json:"address"`
	ProfileID string            `json:"profile_id"`
	Public    bool              `json:"public"`
	Profile   map[string]string `json:"profile,omitempty"`
}

var (
	errMissingDatabase = errors.New("attestation: database handle is required")
	errMissingAttestor = errors.New("attestation: attestor is required")
	errMissingOperator = errors.New("attestation: operator notifier is required")
	noOpLogger         = zap.NewNop()
)

// DispatcherConfig describes the dependencies for attestation dispatch.
type DispatcherConfig struct {
	Database *gorm.DB
	Attestor Attestor
	Operator OperatorNotifier
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Dispatcher hands confirmed transactions to the attestor at most once each.
type Dispatcher struct {
	db       *gorm.DB
	attestor Attestor
	operator OperatorNotifier
	clock    func() time.Time
	logger   *zap.Logger
}

// NewDispatcher constructs the dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Attestor == nil {
		return nil, errMissingAttestor
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
	return &Dispatcher{
		db:       cfg.Database,
		attestor: cfg.Attestor,
		operator: cfg.Operator,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Dispatch inserts the per-transaction record with duplicate tolerance and
// posts the attestation only when the insert actually created the row.
// Redelivered finality events therefore never post twice. A failed post
// leaves the record unposted for the retry sweep. Returns whether this call
// owned the dispatch.
func (d *Dispatcher) Dispatch(ctx context.Context, transactionID int64, binding Binding) (bool, error) {
	payload := buildPayload(binding)
	encoded, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}

	record := Record{
		TransactionID:    transactionID,
		PayloadJSON:      string(encoded),
		CreatedAtSeconds: d.clock().UTC().Unix(),
	}
	created, err := database.InsertIfAbsent(d.db.WithContext(ctx), &record)
	if err != nil {
		return false, err
	}
	if !created {
		d.logger.Debug("attestation already dispatched", zap.Int64("transaction_id", transactionID))
		return false, nil
	}

	d.post(ctx, transactionID, payload)
	return true, nil
}

// RetryUnposted re-attempts the attestor call for every record whose payload
// was never accepted. Meant to run on a timer.
func (d *Dispatcher) RetryUnposted(ctx context.Context) error {
	var pending []Record
	if err := d.db.WithContext(ctx).Where("posted_unit IS NULL").Find(&pending).Error; err != nil {
		return err
	}
	for _, record := range pending {
		var payload Payload
		if err := json.Unmarshal([]byte(record.PayloadJSON), &payload); err != nil {
			d.logger.Error("attestation dispatcher error",
				zap.String("operation", "attestation.retry_unposted"),
				zap.String("reason", "payload_decode_failed"),
				zap.Int64("transaction_id", record.TransactionID),
				zap.Error(err))
			continue
		}
		d.post(ctx, record.TransactionID, payload)
	}
	return nil
}

// PostedAt reports when the attestation for the transaction was accepted.
func (d *Dispatcher) PostedAt(ctx context.Context, transactionID int64) (int64, bool, error) {
	var record Record
	err := d.db.WithContext(ctx).Where("transaction_id = ?", transactionID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if record.PostedAtSeconds == nil {
		return 0, false, nil
	}
	return *record.PostedAtSeconds, true, nil
}

func (d *Dispatcher) post(ctx context.Context, transactionID int64, payload Payload) {
	unit, err := d.attestor.PostAttestation(ctx, payload)
	if err != nil {
		d.logger.Error("attestation dispatcher error",
			zap.String("operation", "attestation.post"),
			zap.String("reason", "attestor_failed"),
			zap.Int64("transaction_id", transactionID),
			zap.Error(err))
		d.operator.NotifyOperator("attestation post failed",
			"transaction "+strconv.FormatInt(transactionID, 10)+": "+err.Error())
		return
	}

	postedAt := d.clock().UTC().Unix()
	if err := d.db.WithContext(ctx).
		Model(&Record{}).
		Where("transaction_id = ?", transactionID).
		Updates(map[string]interface{}{"posted_unit": unit, "posted_at_s": postedAt}).Error; err != nil {
		d.logger.Error("attestation dispatcher error",
			zap.String("operation", "attestation.post"),
			zap.String("reason", "record_update_failed"),
			zap.Int64("transaction_id", transactionID),
			zap.Error(err))
	}
}

func buildPayload(binding Binding) Payload {
	payload := Payload{
		Address:   binding.UserAddress,
		ProfileID: uuid.NewString(),
		Public:    binding.Public,
	}
	if binding.Public {
		payload.Profile = map[string]string{
			"provider_id":  binding.ProviderID,
			"display_name": binding.DisplayName,
			"karma":        strconv.FormatInt(binding.Karma, 10),
			"created_at":   strconv.FormatInt(binding.ProviderCreatedAt, 10),
		}
	}
	return payload
}
