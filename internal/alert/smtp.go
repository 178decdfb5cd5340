package alert

import (
	"context"
	"crypto/tls"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

// SMTPConfig configures SMTPNotifier.
type SMTPConfig struct {
	Addr     string
	Username string
	Password string
	From     string
}

// SMTPNotifier sends notifications as plain-text email.
type SMTPNotifier struct {
	cfg SMTPConfig
	now func() time.Time
}

var _ Notifier = (*SMTPNotifier)(nil)

// NewSMTPNotifier creates an SMTPNotifier for the given relay.
func NewSMTPNotifier(cfg SMTPConfig) *SMTPNotifier {
	return &SMTPNotifier{cfg: cfg, now: time.Now}
}

// Notify delivers n in a single attempt. The whole SMTP exchange is bounded
// by the ctx deadline.
func (s *SMTPNotifier) Notify(ctx context.Context, n Notification) error {
	if n.Recipient == "" {
		return errors.New("no recipient")
	}
	host, _, err := net.SplitHostPort(s.cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "parse smtp addr %q", s.cfg.Addr)
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return errors.Wrap(err, "dial smtp")
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "smtp handshake")
	}
	defer func() { _ = c.Close() }()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}); err != nil {
			return errors.Wrap(err, "starttls")
		}
	}
	if s.cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, host)); err != nil {
			return errors.Wrap(err, "smtp auth")
		}
	}
	if err := c.Mail(s.cfg.From); err != nil {
		return errors.Wrap(err, "smtp mail from")
	}
	if err := c.Rcpt(n.Recipient); err != nil {
		return errors.Wrap(err, "smtp rcpt to")
	}

	w, err := c.Data()
	if err != nil {
		return errors.Wrap(err, "smtp data")
	}
	if _, err := w.Write(s.message(n)); err != nil {
		_ = w.Close()
		return errors.Wrap(err, "write message")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "close data")
	}
	return c.Quit()
}

func (s *SMTPNotifier) message(n Notification) []byte {
	var b strings.Builder
	b.WriteString("From: " + s.cfg.From + "\r\n")
	b.WriteString("To: " + n.Recipient + "\r\n")
	b.WriteString("Subject: " + n.Subject + "\r\n")
	b.WriteString("Date: " + s.now().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(n.Body, "\n", "\r\n"))
	return []byte(b.String())
}
