package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

var ErrInvalidMessage = errors.New("invalid message")

type Message struct {
	From    string
	To      []string
	Subject string
	Body    string
}

func (m Message) validate() error {
	if m.From == "" {
		return fmt.Errorf("%w: sender is required", ErrInvalidMessage)
	}
	if len(m.To) == 0 {
		return fmt.Errorf("%w: at least one recipient is required", ErrInvalidMessage)
	}
	for _, addr := range append([]string{m.From}, m.To...) {
		if strings.ContainsAny(addr, "\r\n") {
			return fmt.Errorf("%w: address contains a line break", ErrInvalidMessage)
		}
	}
	return nil
}

// Bytes renders the message as a UTF-8 plain text RFC 5322 document.
func (m Message) Bytes(date time.Time) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", m.From)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(m.To, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", m.Subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", date.Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	buf.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(strings.ReplaceAll(m.Body, "\n", "\r\n"))
	buf.WriteString("\r\n")
	return buf.Bytes()
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type SMTPConfig struct {
	Addr          string
	Username      string
	Password      string
	RatePerSecond float64
	Burst         int

	// Timeout bounds a whole delivery when the caller's context has no
	// deadline. Defaults to 30s.
	Timeout time.Duration
}

const defaultSMTPTimeout = 30 * time.Second

type sendMailFunc func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPSender delivers through an SMTP relay, throttled by a token bucket.
type SMTPSender struct {
	addr     string
	auth     smtp.Auth
	timeout  time.Duration
	limiter  *rate.Limiter
	sendMail sendMailFunc
	now      func() time.Time
}

func NewSMTPSender(config SMTPConfig) *SMTPSender {
	var auth smtp.Auth
	if config.Username != "" {
		host, _, err := net.SplitHostPort(config.Addr)
		if err != nil {
			host = config.Addr
		}
		auth = smtp.PlainAuth("", config.Username, config.Password, host)
	}

	limit := rate.Inf
	if config.RatePerSecond > 0 {
		limit = rate.Limit(config.RatePerSecond)
	}
	burst := config.Burst
	if burst < 1 {
		burst = 1
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultSMTPTimeout
	}

	return &SMTPSender{
		addr:     config.Addr,
		auth:     auth,
		timeout:  timeout,
		limiter:  rate.NewLimiter(limit, burst),
		sendMail: sendMail,
		now:      time.Now,
	}
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("mail rate limit: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	if err := s.sendMail(ctx, s.addr, s.auth, msg.From, msg.To, msg.Bytes(s.now())); err != nil {
		return fmt.Errorf("failed to send mail to %s: %w", strings.Join(msg.To, ", "), err)
	}
	return nil
}

// sendMail runs one SMTP session like smtp.SendMail, with the connection
// bound to ctx: dialing honours it and cancellation expires the deadline of
// any read or write in progress.
func sendMail(ctx context.Context, addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return err
		}
	}
	if auth != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(auth); err != nil {
				return err
			}
		}
	}

	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// LogSender writes messages to the log instead of delivering them.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "mail",
		"from", msg.From,
		"to", msg.To,
		"subject", msg.Subject,
		"body", msg.Body,
	)
	return nil
}
