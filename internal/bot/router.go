package bot

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/karmalink/backend/internal/addresses"
	"github.com/karmalink/backend/internal/identity"
	"github.com/karmalink/backend/internal/payments"
	"github.com/karmalink/backend/internal/rewards"
	"github.com/karmalink/backend/internal/texts"
	"github.com/karmalink/backend/internal/users"
	"go.uber.org/zap"
)

// Messenger delivers chat messages to a device.
type Messenger interface {
	SendText(ctx context.Context, deviceAddress, text string) error
}

// StateIssuer mints the signed state token that correlates an OAuth
// callback back to a device.
type StateIssuer interface {
	IssueState(deviceAddress string) (string, error)
}

var (
	errMissingUsers      = errors.New("bot: user service is required")
	errMissingIdentities = errors.New("bot: identity service is required")
	errMissingAddresses  = errors.New("bot: address service is required")
	errMissingPayments   = errors.New("bot: payment engine is required")
	errMissingLedger     = errors.New("bot: reward ledger is required")
	errMissingMessenger  = errors.New("bot: messenger is required")
	errMissingStates     = errors.New("bot: state issuer is required")
	errMissingAuthURL    = errors.New("bot: auth url is required")
	noOpLogger           = zap.NewNop()
)

// RouterConfig describes the dependencies of the conversation router.
type RouterConfig struct {
	Users      *users.Service
	Identities *identity.Service
	Addresses  *addresses.Service
	Payments   *payments.Engine
	Ledger     *rewards.Ledger
	Messenger  Messenger
	States     StateIssuer
	AuthURL    string
	PriceBytes int64
	Logger     *zap.Logger
}

// Router maps inbound chat events to service calls and renders the next
// prompt in the attestation conversation.
type Router struct {
	users      *users.Service
	identities *identity.Service
	addresses  *addresses.Service
	payments   *payments.Engine
	ledger     *rewards.Ledger
	messenger  Messenger
	states     StateIssuer
	authURL    string
	price      int64
	logger     *zap.Logger
}

// NewRouter constructs the conversation router.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Users == nil {
		return nil, errMissingUsers
	}
	if cfg.Identities == nil {
		return nil, errMissingIdentities
	}
	if cfg.Addresses == nil {
		return nil, errMissingAddresses
	}
	if cfg.Payments == nil {
		return nil, errMissingPayments
	}
	if cfg.Ledger == nil {
		return nil, errMissingLedger
	}
	if cfg.Messenger == nil {
		return nil, errMissingMessenger
	}
	if cfg.States == nil {
		return nil, errMissingStates
	}
	if strings.TrimSpace(cfg.AuthURL) == "" {
		return nil, errMissingAuthURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Router{
		users:      cfg.Users,
		identities: cfg.Identities,
		addresses:  cfg.Addresses,
		payments:   cfg.Payments,
		ledger:     cfg.Ledger,
		messenger:  cfg.Messenger,
		states:     cfg.States,
		authURL:    cfg.AuthURL,
		price:      cfg.PriceBytes,
		logger:     logger,
	}, nil
}

// OnPaired greets a newly paired device, creating its user row.
func (r *Router) OnPaired(ctx context.Context, deviceAddress string) error {
	if _, err := r.users.Ensure(ctx, deviceAddress); err != nil {
		return err
	}
	return r.messenger.SendText(ctx, deviceAddress, texts.Greeting(r.price))
}

// OnText walks the conversation ladder: identity first, then payment
// address, then visibility, then payment status.
func (r *Router) OnText(ctx context.Context, deviceAddress, rawText string) error {
	text := strings.TrimSpace(rawText)
	command := strings.ToLower(text)

	user, err := r.users.Ensure(ctx, deviceAddress)
	if err != nil {
		return err
	}

	var parts []string

	if command == "yes" || command == "no" {
		confirmed, err := r.identities.ConfirmPending(ctx, deviceAddress, command == "yes")
		switch {
		case errors.Is(err, identity.ErrNoPendingIdentity):
			// nothing pending, treat as ordinary text
		case err != nil:
			return err
		default:
			if command == "yes" {
				parts = append(parts, texts.IdentityConfirmed(confirmed.DisplayName))
			} else {
				parts = append(parts, texts.IdentityRejected(confirmed.DisplayName))
			}
			if user, err = r.users.Get(ctx, deviceAddress); err != nil {
				return err
			}
		}
	}

	if user.IdentityID == nil {
		state, err := r.states.IssueState(deviceAddress)
		if err != nil {
			return err
		}
		parts = append(parts, texts.AllowAccess(r.authURL, state))
		return r.send(ctx, deviceAddress, parts)
	}

	if IsValidPaymentAddress(text) {
		if err := r.users.SetPaymentAddress(ctx, deviceAddress, text); err != nil {
			return err
		}
		submitted := text
		user.UserAddress = &submitted
		parts = append(parts, texts.GoingToAttest(submitted))
	}
	if user.UserAddress == nil {
		parts = append(parts, texts.InsertMyAddress())
		return r.send(ctx, deviceAddress, parts)
	}

	assignment, err := r.addresses.GetOrAssign(ctx, deviceAddress, *user.UserAddress, *user.IdentityID)
	if err != nil {
		return err
	}

	if command == "private" || command == "public" {
		public := command == "public"
		if err := r.addresses.SetVisibility(ctx, deviceAddress, *user.UserAddress, *user.IdentityID, public); err != nil {
			return err
		}
		assignment.PostPublicly = &public
		if public {
			parts = append(parts, texts.PublicChosen())
		} else {
			parts = append(parts, texts.PrivateChosen())
		}
	}

	if assignment.PostPublicly == nil {
		parts = append(parts, texts.PrivateOrPublic())
		return r.send(ctx, deviceAddress, parts)
	}

	if command == "again" {
		visibility := texts.PrivateChosen()
		if *assignment.PostPublicly {
			visibility = texts.PublicChosen()
		}
		parts = append(parts, texts.PleasePay(assignment.Address, assignment.PriceBytes)+"\n\n"+visibility)
		return r.send(ctx, deviceAddress, parts)
	}

	status, err := r.payments.LatestStatus(ctx, assignment.Address)
	if err != nil {
		return err
	}
	switch status.Kind {
	case payments.StatusNoPayment:
		parts = append(parts, texts.PleasePayOrPrivacy(assignment.Address, assignment.PriceBytes, assignment.PostPublicly))
	case payments.StatusPending:
		parts = append(parts, texts.ReceivedYourPayment(status.ReceivedAmount))
	case payments.StatusInAttestation:
		parts = append(parts, texts.InAttestation())
	case payments.StatusAttested:
		parts = append(parts, texts.AlreadyAttested(time.Unix(status.AttestedAtSeconds, 0)))
	}
	return r.send(ctx, deviceAddress, parts)
}

// OnIdentityAssertion handles the OAuth callback result for a device: the
// profile is recorded (with version history) and reconciled with the
// device's bound identity.
func (r *Router) OnIdentityAssertion(ctx context.Context, deviceAddress string, profile identity.Profile) error {
	if _, err := r.users.Get(ctx, deviceAddress); err != nil {
		return err
	}

	row, upsertStatus, err := r.identities.Upsert(ctx, profile)
	if err != nil {
		return err
	}

	result, err := r.identities.RequestBinding(ctx, deviceAddress, row.ID)
	if err != nil {
		return err
	}

	if result.Status == identity.BindingAlreadyBound {
		parts := []string{texts.UsedTheSameIdentity(row.DisplayName)}
		if upsertStatus == identity.StatusUpdated {
			if rewardUSD := r.ledger.TierFor(row.Karma); rewardUSD > 0 {
				parts = append(parts, texts.RewardEligibility(rewardUSD))
			}
		}
		return r.send(ctx, deviceAddress, parts)
	}

	return r.messenger.SendText(ctx, deviceAddress, texts.ConfirmIdentity(row.DisplayName))
}

func (r *Router) send(ctx context.Context, deviceAddress string, parts []string) error {
	if len(parts) == 0 {
		return nil
	}
	return r.messenger.SendText(ctx, deviceAddress, strings.Join(parts, "\n\n"))
}
