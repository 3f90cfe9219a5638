// Package email delivers alarms over SMTP.
package email

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"memoalarm/internal/channel"
	logx "memoalarm/pkg/logx"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Adapter struct {
	cfg      Config
	log      logx.Logger
	sendMail sendFunc
	now      func() time.Time
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp host is empty")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("smtp from address is empty")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log, sendMail: smtp.SendMail, now: time.Now}, nil
}

// Deliver mails the memo to the recipient's address.
func (a *Adapter) Deliver(ctx context.Context, n channel.Notification) error {
	to := strings.TrimSpace(n.Recipient.Email)
	if to == "" {
		return fmt.Errorf("memo %s: %w", n.MemoID, channel.ErrNoRecipient)
	}

	addr := net.JoinHostPort(a.cfg.Host, strconv.Itoa(a.cfg.Port))
	var auth smtp.Auth
	if a.cfg.Username != "" {
		auth = smtp.PlainAuth("", a.cfg.Username, a.cfg.Password, a.cfg.Host)
	}
	msg := a.compose(to, n)

	// net/smtp is not context-aware; stop waiting when ctx ends.
	done := make(chan error, 1)
	go func() { done <- a.sendMail(addr, auth, a.cfg.From, []string{to}, msg) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("smtp send to %s: %w", to, err)
		}
		a.log.Debug("email.sent", logx.String("alarm", n.AlarmID), logx.String("to", to))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) compose(to string, n channel.Notification) []byte {
	var b strings.Builder
	header := func(k, v string) {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteString("\r\n")
	}
	header("From", a.cfg.From)
	header("To", to)
	header("Subject", mime.QEncoding.Encode("utf-8", channel.Subject(n)))
	header("Date", a.now().UTC().Format(time.RFC1123Z))
	header("MIME-Version", "1.0")
	header("Content-Type", `text/plain; charset="utf-8"`)
	header("Content-Transfer-Encoding", "8bit")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(channel.RenderText(n), "\n", "\r\n"))
	return []byte(b.String())
}
