package mail

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"time"

	"forum-digest/internal/domain"
	"forum-digest/internal/infra/metrics"
)

// SMTPConfig описывает подключение к почтовому серверу.
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	FromName string
	UseTLS   bool
	Timeout  time.Duration
}

// SMTPTransport доставляет письма через SMTP, одно соединение на письмо.
type SMTPTransport struct {
	cfg SMTPConfig
	now func() time.Time
}

var _ domain.MailTransport = (*SMTPTransport)(nil)

// NewSMTP создаёт SMTP транспорт.
func NewSMTP(cfg SMTPConfig) *SMTPTransport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPTransport{cfg: cfg, now: time.Now}
}

// Send отправляет письмо получателю.
func (t *SMTPTransport) Send(ctx context.Context, msg domain.Message) error {
	body, err := BuildMIME(msg, mail.Address{Name: t.cfg.FromName, Address: t.cfg.From}, t.now())
	if err != nil {
		return err
	}
	start := time.Now()
	err = t.deliver(ctx, msg.To.Email, body)
	metrics.ObserveNetworkRequest("smtp", "send", t.cfg.Host, start, err)
	return err
}

func (t *SMTPTransport) deliver(ctx context.Context, to string, body []byte) error {
	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	dialer := &net.Dialer{Timeout: t.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("connect to smtp: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	defer client.Close()

	if t.cfg.UseTLS {
		if err := client.StartTLS(&tls.Config{ServerName: t.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if t.cfg.User != "" && t.cfg.Password != "" {
		auth := smtp.PlainAuth("", t.cfg.User, t.cfg.Password, t.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(t.cfg.From); err != nil {
		return fmt.Errorf("smtp sender: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("smtp recipient: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}
	// письмо уже принято сервером
	_ = client.Quit()
	return nil
}
