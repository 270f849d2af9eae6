package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/karmalink/backend/internal/payments"
)

type pairedEvent struct {
	DeviceAddress string `json:"device_address" binding:"required"`
}

type textEvent struct {
	DeviceAddress string `json:"device_address" binding:"required"`
	Text          string `json:"text" binding:"required"`
}

type paymentsDetectedEvent struct {
	Notices []payments.PaymentNotice `json:"notices" binding:"required"`
}

type paymentsFinalizedEvent struct {
	Units []string `json:"units" binding:"required"`
}

func (h *httpHandler) handlePaired(c *gin.Context) {
	var event pairedEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.String(http.StatusUnprocessableEntity, "invalid event payload")
		return
	}
	if err := h.bot.OnPaired(c.Request.Context(), event.DeviceAddress); err != nil {
		h.fail(c, "pairing event failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleText(c *gin.Context) {
	var event textEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.String(http.StatusUnprocessableEntity, "invalid event payload")
		return
	}
	if err := h.bot.OnText(c.Request.Context(), event.DeviceAddress, event.Text); err != nil {
		h.fail(c, "chat event failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handlePaymentsDetected(c *gin.Context) {
	var event paymentsDetectedEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.String(http.StatusUnprocessableEntity, "invalid event payload")
		return
	}
	if err := h.intake.HandlePaymentsDetected(c.Request.Context(), event.Notices); err != nil {
		h.fail(c, "payment detection failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handlePaymentsFinalized(c *gin.Context) {
	var event paymentsFinalizedEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.String(http.StatusUnprocessableEntity, "invalid event payload")
		return
	}
	if err := h.intake.HandlePaymentsFinalized(c.Request.Context(), event.Units); err != nil {
		h.fail(c, "payment finality failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}
