// Package notify delivers workflow notifications by mail and to the log.
package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"github.com/RegistryAccord/registryaccord-editorial-go/internal/model"
	mail "github.com/go-mail/mail/v2"
)

// Dispatcher delivers one notification.
type Dispatcher interface {
	Dispatch(ctx context.Context, n model.Notification) error
}

// SMTPConfig configures MailDispatcher.
type SMTPConfig struct {
	Host          string
	Port          int
	User          string
	Password      string
	From          string // e.g. "Editorial Office <no-reply@journal.org>"
	SkipTLSVerify bool
	LinkBase      string // prefix for relative notification links
}

type sender interface {
	DialAndSend(m ...*mail.Message) error
}

// MailDispatcher sends notifications over SMTP with mandatory STARTTLS.
type MailDispatcher struct {
	from     string
	linkBase string
	sender   sender
	logger   *slog.Logger
}

func NewMail(cfg SMTPConfig, logger *slog.Logger) (*MailDispatcher, error) {
	if cfg.Host == "" || cfg.From == "" {
		return nil, fmt.Errorf("smtp not configured (host and from are required)")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	d := mail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password)
	d.StartTLSPolicy = mail.MandatoryStartTLS
	d.TLSConfig = &tls.Config{
		ServerName:         cfg.Host,
		InsecureSkipVerify: cfg.SkipTLSVerify,
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MailDispatcher{from: cfg.From, linkBase: strings.TrimRight(cfg.LinkBase, "/"), sender: d, logger: logger}, nil
}

// Dispatch mails n to its recipient. Recipients known only by user id are
// skipped; they see the notification in the log dispatcher's output.
func (d *MailDispatcher) Dispatch(ctx context.Context, n model.Notification) error {
	if n.RecipientEmail == "" {
		d.logger.DebugContext(ctx, "notification has no email recipient, mail skipped",
			"recipient_user_id", n.RecipientUserID, "idempotency_key", n.IdempotencyKey)
		return nil
	}
	return d.sender.DialAndSend(d.message(n))
}

func (d *MailDispatcher) message(n model.Notification) *mail.Message {
	m := mail.NewMessage()
	m.SetHeader("From", d.from)
	m.SetHeader("To", n.RecipientEmail)
	m.SetHeader("Subject", n.Title)
	if n.IdempotencyKey != "" {
		// Lets receiving systems collapse relay redeliveries.
		m.SetHeader("Message-ID", "<"+n.IdempotencyKey+"@editorial>")
	}
	m.SetBody("text/html", d.body(n))
	return m
}

func (d *MailDispatcher) body(n model.Notification) string {
	var b strings.Builder
	b.WriteString("<p>")
	b.WriteString(html.EscapeString(n.Message))
	b.WriteString("</p>\n")
	if n.Link != "" {
		link := n.Link
		if strings.HasPrefix(link, "/") {
			link = d.linkBase + link
		}
		fmt.Fprintf(&b, `<p><a href="%s">View in the editorial system</a></p>`, html.EscapeString(link))
	}
	return b.String()
}

// LogDispatcher writes notifications to the structured log.
type LogDispatcher struct {
	Logger *slog.Logger
}

func (l LogDispatcher) Dispatch(ctx context.Context, n model.Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification",
		"recipient_user_id", n.RecipientUserID,
		"recipient_email", n.RecipientEmail,
		"title", n.Title,
		"link", n.Link,
		"idempotency_key", n.IdempotencyKey)
	return nil
}

// Multi fans a notification out to every dispatcher and joins their errors.
type Multi []Dispatcher

func (m Multi) Dispatch(ctx context.Context, n model.Notification) error {
	var errs []error
	for _, d := range m {
		if err := d.Dispatch(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
