// Package notification e-mails alert transitions.
package notification

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/smtp"
	"text/template"
	"time"

	"github.com/smukkama/iot-watch/internal/protocol"
	"github.com/smukkama/iot-watch/pkg/config"
)

var templateFuncs = template.FuncMap{
	"deref": func(v *float64) float64 { return *v },
}

var (
	triggeredTemplate = template.Must(template.New("triggered").Funcs(templateFuncs).Parse(`
Sensor Alert Triggered
======================

Sensor: {{.SensorID}}
Kind: {{.Kind}}
Severity: {{.Severity}}
{{- if .Value}}
Value: {{printf "%.2f" (deref .Value)}}
{{- end}}
Since: {{.StartTime.Format "2006-01-02 15:04:05 MST"}}
Alert ID: {{.AlertID}}

{{.Message}}

---
IoT Watch Notification System
`))

	clearedTemplate = template.Must(template.New("cleared").Parse(`
Sensor Alert Cleared
====================

Sensor: {{.SensorID}}
Kind: {{.Kind}}
Active since: {{.StartTime.Format "2006-01-02 15:04:05 MST"}}
Cleared at: {{.Timestamp.Format "2006-01-02 15:04:05 MST"}}
Alert ID: {{.AlertID}}

The condition is no longer present.

---
IoT Watch Notification System
`))
)

// EmailNotifier sends email notifications
type EmailNotifier struct {
	config *config.SMTPConfig
	logger *slog.Logger
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailNotifier(cfg *config.SMTPConfig, logger *slog.Logger) *EmailNotifier {
	return &EmailNotifier{config: cfg, logger: logger, send: smtp.SendMail}
}

// Render returns the subject and body for a notification.
func Render(n *protocol.AlertNotification) (string, string, error) {
	var tmpl *template.Template
	var subject string
	switch n.Type {
	case protocol.AlertTypeTriggered:
		subject = fmt.Sprintf("[%s] %s alert TRIGGERED - %s", n.Severity, n.Kind, n.SensorID)
		tmpl = triggeredTemplate
	case protocol.AlertTypeCleared:
		subject = fmt.Sprintf("%s alert CLEARED - %s", n.Kind, n.SensorID)
		tmpl = clearedTemplate
	default:
		return "", "", fmt.Errorf("unknown notification type: %s", n.Type)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, n); err != nil {
		return "", "", fmt.Errorf("failed to render email template: %w", err)
	}
	return subject, buf.String(), nil
}

// SendAlertNotification e-mails one transition. Without SMTP credentials the
// message is logged instead.
func (e *EmailNotifier) SendAlertNotification(n *protocol.AlertNotification) error {
	subject, body, err := Render(n)
	if err != nil {
		return err
	}

	if e.config.Username == "" || e.config.Password == "" {
		e.logger.Info("SMTP not configured, skipping email", "subject", subject, "alert_id", n.AlertID)
		return nil
	}

	message := fmt.Sprintf("From: %s\r\n", e.config.From)
	message += fmt.Sprintf("To: %s\r\n", e.config.To)
	message += fmt.Sprintf("Subject: %s\r\n", subject)
	message += fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	message += "\r\n"
	message += body

	auth := smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.Host)
	addr := fmt.Sprintf("%s:%d", e.config.Host, e.config.Port)
	if err := e.send(addr, auth, e.config.From, []string{e.config.To}, []byte(message)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	e.logger.Info("email sent", "subject", subject)
	return nil
}

// TestConnection dials the SMTP server.
func (e *EmailNotifier) TestConnection() error {
	if e.config.Username == "" {
		return fmt.Errorf("SMTP not configured")
	}

	addr := fmt.Sprintf("%s:%d", e.config.Host, e.config.Port)
	client, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer client.Close()
	return nil
}
