package notify

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"sort"
	"strings"

	"github.com/fatflowers/paysync/pkg/config"
)

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPNotifier emails the operator address.
type SMTPNotifier struct {
	addr     string
	auth     smtp.Auth
	from     string
	to       string
	sendMail sendMailFunc
}

func NewSMTP(cfg config.SMTPConfig, operatorEmail string) (*SMTPNotifier, error) {
	if cfg.Host == "" || operatorEmail == "" {
		return nil, errors.New("smtp alerting requires alerting.smtp.host and alerting.operator_email")
	}
	from := cfg.From
	if from == "" {
		from = "no-reply@" + cfg.Host
	}
	var auth smtp.Auth
	if cfg.Username != "" && cfg.Password != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &SMTPNotifier{
		addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		auth:     auth,
		from:     from,
		to:       operatorEmail,
		sendMail: smtp.SendMail,
	}, nil
}

// Notify sends msg as a plain text email. net/smtp has no context support, so
// ctx is only checked before dialing.
func (n *SMTPNotifier) Notify(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := n.sendMail(n.addr, n.auth, n.from, []string{n.to}, n.render(msg)); err != nil {
		return fmt.Errorf("smtp send to %s: %w", n.addr, err)
	}
	return nil
}

func (n *SMTPNotifier) render(msg Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\nTo: %s\r\nSubject: [paysync] %s\r\n", n.from, n.to, sanitizeHeader(msg.Subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(msg.Body)
	b.WriteString("\r\n\r\n")
	if msg.EventID != "" {
		fmt.Fprintf(&b, "event_id: %s\r\n", msg.EventID)
	}
	keys := make([]string, 0, len(msg.Details))
	for k := range msg.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\r\n", k, msg.Details[k])
	}
	fmt.Fprintf(&b, "time: %s\r\n", msg.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
	return []byte(b.String())
}

func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
