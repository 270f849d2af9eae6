// Package notify delivers operator notifications. Every notification is
// logged; when an SMTP relay is configured it is also mailed to the
// operator.
package notify

import (
	"fmt"
	"net/smtp"
	"strings"

	"github.com/karmalink/backend/internal/config"
	"go.uber.org/zap"
)

// Notifier implements the operator notification collaborator.
type Notifier struct {
	smtp   config.SMTPConfig
	to     string
	logger *zap.Logger
}

// NewNotifier constructs the notifier. SMTP settings are optional; without
// them notifications only reach the log.
func NewNotifier(smtpConfig config.SMTPConfig, operatorEmail string, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{smtp: smtpConfig, to: operatorEmail, logger: logger}
}

// NotifyOperator reports the condition to the operator channel. Mail
// failures are logged, never propagated: a broken relay must not take the
// reporting path down with it.
func (n *Notifier) NotifyOperator(subject, detail string) {
	n.logger.Error("operator notification",
		zap.String("subject", subject),
		zap.String("detail", detail))

	if n.smtp.Host == "" {
		return
	}

	host := n.smtp.Host
	if !strings.Contains(host, ":") {
		host += ":587"
	}
	message := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		n.smtp.From, n.to, subject, detail)
	auth := smtp.PlainAuth("", n.smtp.User, n.smtp.Password, strings.Split(host, ":")[0])
	if err := smtp.SendMail(host, auth, n.smtp.From, []string{n.to}, []byte(message)); err != nil {
		n.logger.Error("operator mail delivery failed", zap.Error(err))
	}
}
