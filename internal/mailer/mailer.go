// Package mailer delivers waiting-list signups by SMTP.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/wneessen/go-mail"

	"github.com/adlence-ai/adlence/internal/config"
)

// ErrMailerDisabled is returned when no SMTP host is configured.
var ErrMailerDisabled = errors.New("mailer not configured")

// Entry is one waiting-list signup.
type Entry struct {
	Name          string
	Email         string
	HowDidYouHear string
	WhyDoYouNeed  string
}

// Sender delivers a composed message.
type Sender interface {
	Send(ctx context.Context, msg *mail.Msg) error
}

// Mailer composes waiting-list notifications and hands them to a Sender.
type Mailer struct {
	sender Sender
	from   string
	to     string
	logger *slog.Logger
}

// New creates a Mailer over SMTP. With no host configured the Mailer is disabled.
func New(cfg config.SMTPConfig, logger *slog.Logger) *Mailer {
	var sender Sender
	if cfg.Host != "" {
		sender = &smtpSender{cfg: cfg}
	}
	return NewWithSender(sender, cfg.From, cfg.To, logger)
}

// NewWithSender creates a Mailer over an explicit Sender.
func NewWithSender(sender Sender, from, to string, logger *slog.Logger) *Mailer {
	return &Mailer{
		sender: sender,
		from:   from,
		to:     to,
		logger: logger.With("component", "mailer"),
	}
}

// Enabled reports whether mail can be sent.
func (m *Mailer) Enabled() bool { return m.sender != nil }

// SendWaitingList notifies the team about a new signup. Replies go to the signup.
func (m *Mailer) SendWaitingList(ctx context.Context, e Entry) error {
	if !m.Enabled() {
		return ErrMailerDisabled
	}

	msg := mail.NewMsg()
	if err := msg.From(m.from); err != nil {
		return fmt.Errorf("mailer: from address: %w", err)
	}
	if err := msg.To(m.to); err != nil {
		return fmt.Errorf("mailer: to address: %w", err)
	}
	if err := msg.ReplyTo(e.Email); err != nil {
		return fmt.Errorf("mailer: reply-to address: %w", err)
	}
	msg.Subject("New waiting list signup: " + e.Name)
	msg.SetBodyString(mail.TypeTextPlain, waitingListBody(e))

	if err := m.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("mailer: send: %w", err)
	}
	m.logger.Info("waiting list signup sent", "email", e.Email)
	return nil
}

func waitingListBody(e Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Name: %s\n", e.Name)
	fmt.Fprintf(&b, "Email: %s\n", e.Email)
	fmt.Fprintf(&b, "How did you hear about us: %s\n", orDash(e.HowDidYouHear))
	fmt.Fprintf(&b, "Why do you need AdLence: %s\n", orDash(e.WhyDoYouNeed))
	return b.String()
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

type smtpSender struct {
	cfg config.SMTPConfig
}

func (s *smtpSender) Send(ctx context.Context, msg *mail.Msg) error {
	opts := []mail.Option{
		mail.WithPort(s.cfg.Port),
		mail.WithTLSPortPolicy(mail.TLSOpportunistic),
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	}
	client, err := mail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return err
	}
	return client.DialAndSendWithContext(ctx, msg)
}
