package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/karmalink/backend/internal/config"
	"github.com/karmalink/backend/internal/identity"
	"github.com/karmalink/backend/internal/payments"
	"github.com/karmalink/backend/internal/users"
	"go.uber.org/zap"
)

// IdentityExchanger swaps an OAuth authorization code for the provider's
// account profile.
type IdentityExchanger interface {
	Exchange(ctx context.Context, code string) (identity.Profile, error)
}

// ConversationRouter receives correlated inbound chat events and identity
// assertions.
type ConversationRouter interface {
	OnPaired(ctx context.Context, deviceAddress string) error
	OnText(ctx context.Context, deviceAddress, text string) error
	OnIdentityAssertion(ctx context.Context, deviceAddress string, profile identity.Profile) error
}

// PaymentIntake receives payment lifecycle events from the wallet daemon.
type PaymentIntake interface {
	HandlePaymentsDetected(ctx context.Context, notices []payments.PaymentNotice) error
	HandlePaymentsFinalized(ctx context.Context, unitIDs []string) error
}

// StateValidator checks inbound state tokens.
type StateValidator interface {
	ValidateState(token string) (string, error)
}

// OperatorNotifier escalates server faults to the operator channel.
type OperatorNotifier interface {
	NotifyOperator(subject, detail string)
}

var (
	errMissingStates    = errors.New("state validator dependency required")
	errMissingExchanger = errors.New("identity exchanger dependency required")
	errMissingBot       = errors.New("conversation router dependency required")
	errMissingIntake    = errors.New("payment intake dependency required")
	errMissingUsers     = errors.New("user service dependency required")
	errMissingOperator  = errors.New("operator notifier dependency required")
)

// Dependencies wires the OAuth web surface and the event intake.
type Dependencies struct {
	States    StateValidator
	Exchanger IdentityExchanger
	Bot       ConversationRouter
	Intake    PaymentIntake
	Users     *users.Service
	OAuth     config.OAuthConfig
	Operator  OperatorNotifier
	Logger    *zap.Logger
}

// NewHTTPHandler builds the gin handler serving the OAuth entry and
// callback endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.States == nil {
		return nil, errMissingStates
	}
	if deps.Exchanger == nil {
		return nil, errMissingExchanger
	}
	if deps.Bot == nil {
		return nil, errMissingBot
	}
	if deps.Intake == nil {
		return nil, errMissingIntake
	}
	if deps.Users == nil {
		return nil, errMissingUsers
	}
	if deps.Operator == nil {
		return nil, errMissingOperator
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		states:    deps.States,
		exchanger: deps.Exchanger,
		bot:       deps.Bot,
		intake:    deps.Intake,
		users:     deps.Users,
		oauth:     deps.OAuth,
		operator:  deps.Operator,
		logger:    logger,
	}

	router.GET("/auth", handler.handleAuth)
	router.GET("/auth/callback", handler.handleCallback)

	events := router.Group("/events")
	events.POST("/paired", handler.handlePaired)
	events.POST("/text", handler.handleText)
	events.POST("/payments/detected", handler.handlePaymentsDetected)
	events.POST("/payments/finalized", handler.handlePaymentsFinalized)

	return router, nil
}

type httpHandler struct {
	states    StateValidator
	exchanger IdentityExchanger
	bot       ConversationRouter
	intake    PaymentIntake
	users     *users.Service
	oauth     config.OAuthConfig
	operator  OperatorNotifier
	logger    *zap.Logger
}

// resolveDevice maps the state token to a known device. A bad token or an
// unknown device is rejected at the boundary without touching state.
func (h *httpHandler) resolveDevice(c *gin.Context) (string, bool) {
	state := c.Query("state")
	if state == "" {
		c.String(http.StatusUnprocessableEntity, "missing state")
		return "", false
	}
	device, err := h.states.ValidateState(state)
	if err != nil {
		h.logger.Warn("state token rejected", zap.Error(err))
		c.String(http.StatusUnprocessableEntity, "invalid state")
		return "", false
	}
	if _, err := h.users.Get(c.Request.Context(), device); err != nil {
		if errors.Is(err, users.ErrUnknownDevice) {
			c.String(http.StatusBadRequest, "unknown device")
			return "", false
		}
		h.fail(c, "device lookup failed", err)
		return "", false
	}
	return device, true
}

func (h *httpHandler) handleAuth(c *gin.Context) {
	if _, ok := h.resolveDevice(c); !ok {
		return
	}

	query := url.Values{}
	query.Set("client_id", h.oauth.ClientID)
	query.Set("response_type", "code")
	query.Set("redirect_uri", h.oauth.CallbackURL)
	query.Set("state", c.Query("state"))
	c.Redirect(http.StatusFound, h.oauth.AuthorizeURL+"?"+query.Encode())
}

func (h *httpHandler) handleCallback(c *gin.Context) {
	if providerError := c.Query("error"); providerError != "" {
		c.String(http.StatusUnprocessableEntity, "authorization refused")
		return
	}

	device, ok := h.resolveDevice(c)
	if !ok {
		return
	}

	code := c.Query("code")
	if code == "" {
		c.String(http.StatusUnprocessableEntity, "missing code")
		return
	}

	profile, err := h.exchanger.Exchange(c.Request.Context(), code)
	if err != nil {
		h.logger.Warn("oauth exchange failed", zap.Error(err))
		c.String(http.StatusUnauthorized, "authorization failed")
		return
	}

	if err := h.bot.OnIdentityAssertion(c.Request.Context(), device, profile); err != nil {
		if errors.Is(err, users.ErrUnknownDevice) {
			c.String(http.StatusBadRequest, "unknown device")
			return
		}
		h.fail(c, "identity assertion failed", err)
		return
	}

	c.String(http.StatusOK, fmt.Sprintf("Received access to your account: %s. You can return to the chat.", profile.DisplayName))
}

func (h *httpHandler) fail(c *gin.Context, subject string, err error) {
	h.logger.Error("server error", zap.String("subject", subject), zap.Error(err))
	h.operator.NotifyOperator(subject, err.Error())
	c.String(http.StatusInternalServerError, "internal error")
}
