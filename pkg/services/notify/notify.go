// Package notify delivers the intake confirmation email once a call
// reaches confirmation. Delivery is always fire-and-forget from the
// caller's perspective but runs under a supervised goroutine owned by the
// conversation controller.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"time"

	"github.com/careline/careline/pkg/errorsx"
	"github.com/careline/careline/pkg/logging"
	"github.com/careline/careline/pkg/state"
)

// Dispatcher sends one confirmation for a completed intake.
type Dispatcher interface {
	SendConfirmation(ctx context.Context, session *state.CallSession) error
}

// Config carries SMTP settings.
type Config struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	To       string `mapstructure:"to"`
}

// SMTPDispatcher sends plain-text confirmations over SMTP.
type SMTPDispatcher struct {
	cfg    Config
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	logger *slog.Logger
}

func NewSMTPDispatcher(cfg Config, base *slog.Logger) *SMTPDispatcher {
	if base == nil {
		base = slog.Default()
	}
	return &SMTPDispatcher{
		cfg:    cfg,
		send:   smtp.SendMail,
		logger: logging.NewComponentLogger(base, "notify"),
	}
}

func (d *SMTPDispatcher) SendConfirmation(ctx context.Context, session *state.CallSession) error {
	if d.cfg.Host == "" || d.cfg.To == "" {
		d.logger.Warn("notify_skipped_unconfigured", "call_id", session.CallID)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	body := BuildConfirmationBody(session)
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: New appointment scheduled (%s)\r\n\r\n%s",
		d.cfg.From, d.cfg.To, session.CallID, body)

	addr := fmt.Sprintf("%s:%d", d.cfg.Host, d.cfg.Port)
	var auth smtp.Auth
	if d.cfg.Username != "" {
		auth = smtp.PlainAuth("", d.cfg.Username, d.cfg.Password, d.cfg.Host)
	}
	if err := d.send(addr, auth, d.cfg.From, []string{d.cfg.To}, []byte(msg)); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonNotifySend)
	}
	d.logger.Info("confirmation_sent", "call_id", session.CallID)
	return nil
}

// SendWithRetry attempts delivery up to attempts times with exponential
// backoff, honoring ctx cancellation between tries.
func SendWithRetry(ctx context.Context, d Dispatcher, session *state.CallSession, attempts int, baseDelay time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = d.SendConfirmation(ctx, session); err == nil {
			return nil
		}
		logger.Warn("confirmation_send_failed",
			"call_id", session.CallID, "attempt", i+1, "error", err)
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(baseDelay * time.Duration(i+1)):
		}
	}
	return err
}

// BuildConfirmationBody renders the intake summary plus the call
// transcript for the scheduling team.
func BuildConfirmationBody(s *state.CallSession) string {
	var b strings.Builder
	info := s.PatientInfo
	fmt.Fprintf(&b, "Call %s started %s\n\n", s.CallID, s.StartedAt.Format(time.RFC1123))
	if info.Insurance != nil {
		fmt.Fprintf(&b, "Insurance: %s (member %s)\n", info.Insurance.PayerName, info.Insurance.MemberID)
	}
	if info.ChiefComplaint != "" {
		fmt.Fprintf(&b, "Chief complaint: %s\n", info.ChiefComplaint)
	}
	if info.UrgencyLevel > 0 {
		fmt.Fprintf(&b, "Pain level: %d/10\n", info.UrgencyLevel)
	}
	if info.Address != nil {
		verified := "unverified"
		if info.Address.Validated {
			verified = "verified"
		}
		fmt.Fprintf(&b, "Address: %s, %s, %s %s (%s)\n",
			info.Address.Street, info.Address.City, info.Address.State, info.Address.ZipCode, verified)
	}
	if info.PhoneNumber != "" {
		fmt.Fprintf(&b, "Phone: %s\n", info.PhoneNumber)
	}
	if info.Email != "" {
		fmt.Fprintf(&b, "Email: %s\n", info.Email)
	}
	if info.SelectedProvider != "" {
		fmt.Fprintf(&b, "Provider: %s\n", info.SelectedProvider)
	}
	if info.AppointmentDisplay != "" {
		fmt.Fprintf(&b, "Appointment: %s\n", info.AppointmentDisplay)
	}
	if len(s.Transcript) > 0 {
		b.WriteString("\nTranscript:\n")
		for _, e := range s.Transcript {
			fmt.Fprintf(&b, "[%s] %s: %s\n", e.At.Format("15:04:05"), e.Speaker, e.Text)
		}
	}
	return b.String()
}
