package mailer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type sentMail struct {
	addr string
	from string
	to   []string
	msg  string
}

func newTestSender(config SMTPConfig) (*SMTPSender, *[]sentMail) {
	sent := &[]sentMail{}
	s := NewSMTPSender(config)
	s.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	s.sendMail = func(_ context.Context, addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		*sent = append(*sent, sentMail{addr: addr, from: from, to: to, msg: string(msg)})
		return nil
	}
	return s, sent
}

func testMessage() Message {
	return Message{
		From:    "noreply@localhost.localdomain",
		To:      []string{"user@test.com"},
		Subject: "Tarea Revisión creada",
		Body:    "La tarea \"Revisión\" fue creada exitosamente.",
	}
}

func TestMessage_Bytes(t *testing.T) {
	raw := string(testMessage().Bytes(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)))

	assert.Contains(t, raw, "From: noreply@localhost.localdomain\r\n")
	assert.Contains(t, raw, "To: user@test.com\r\n")
	assert.Contains(t, raw, "Subject: =?utf-8?q?Tarea_Revisi=C3=B3n_creada?=\r\n")
	assert.Contains(t, raw, "Date: Tue, 02 Jan 2024 03:04:05 +0000\r\n")
	assert.Contains(t, raw, "Content-Type: text/plain; charset=\"utf-8\"\r\n")
	assert.True(t, strings.HasSuffix(raw, "\r\n\r\nLa tarea \"Revisión\" fue creada exitosamente.\r\n"))
}

func TestMessage_ASCIISubjectIsNotEncoded(t *testing.T) {
	msg := testMessage()
	msg.Subject = "Tarea Demo creada"

	assert.Contains(t, string(msg.Bytes(time.Now())), "Subject: Tarea Demo creada\r\n")
}

func TestSMTPSender_Send(t *testing.T) {
	s, sent := newTestSender(SMTPConfig{Addr: "smtp.example.com:25"})

	require.NoError(t, s.Send(context.Background(), testMessage()))
	require.Len(t, *sent, 1)

	got := (*sent)[0]
	assert.Equal(t, "smtp.example.com:25", got.addr)
	assert.Equal(t, "noreply@localhost.localdomain", got.from)
	assert.Equal(t, []string{"user@test.com"}, got.to)
	assert.Nil(t, s.auth)
}

func TestSMTPSender_AuthWhenUsernameSet(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{Addr: "smtp.example.com:587", Username: "u", Password: "p"})
	assert.NotNil(t, s.auth)
}

func TestSMTPSender_TransportError(t *testing.T) {
	s, _ := newTestSender(SMTPConfig{Addr: "smtp.example.com:25"})
	transportErr := errors.New("connection refused")
	s.sendMail = func(context.Context, string, smtp.Auth, string, []string, []byte) error { return transportErr }

	err := s.Send(context.Background(), testMessage())
	assert.ErrorIs(t, err, transportErr)
	assert.Contains(t, err.Error(), "user@test.com")
}

func TestSMTPSender_InvalidMessage(t *testing.T) {
	s, sent := newTestSender(SMTPConfig{Addr: "smtp.example.com:25"})

	tests := []struct {
		name string
		msg  Message
	}{
		{"no sender", Message{To: []string{"a@test.com"}}},
		{"no recipients", Message{From: "a@test.com"}},
		{"header injection", Message{From: "a@test.com", To: []string{"b@test.com\r\nBcc: c@test.com"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, s.Send(context.Background(), tt.msg), ErrInvalidMessage)
		})
	}
	assert.Empty(t, *sent)
}

func TestSMTPSender_RateLimitHonoursContext(t *testing.T) {
	s, sent := newTestSender(SMTPConfig{Addr: "smtp.example.com:25", RatePerSecond: 0.001, Burst: 1})

	require.NoError(t, s.Send(context.Background(), testMessage()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := s.Send(ctx, testMessage())
	assert.Error(t, err)
	assert.Len(t, *sent, 1)
}

func TestSMTPSender_DefaultsToUnlimited(t *testing.T) {
	s := NewSMTPSender(SMTPConfig{Addr: "smtp.example.com:25"})
	assert.Equal(t, rate.Inf, s.limiter.Limit())
}

// startSMTPServer serves one SMTP session on a local port and reports the
// DATA payload. A silent server accepts the connection and never greets.
func startSMTPServer(t *testing.T, silent bool) (string, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	data := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if silent {
			_, _ = io.Copy(io.Discard, conn)
			return
		}

		tp := textproto.NewConn(conn)
		_ = tp.PrintfLine("220 localhost ESMTP")
		for {
			line, err := tp.ReadLine()
			if err != nil {
				return
			}
			fields := strings.Fields(line)
			if len(fields) == 0 {
				_ = tp.PrintfLine("500 empty command")
				continue
			}
			switch strings.ToUpper(fields[0]) {
			case "EHLO", "HELO":
				_ = tp.PrintfLine("250 localhost")
			case "MAIL", "RCPT":
				_ = tp.PrintfLine("250 OK")
			case "DATA":
				_ = tp.PrintfLine("354 end with <CRLF>.<CRLF>")
				lines, err := tp.ReadDotLines()
				if err != nil {
					return
				}
				data <- strings.Join(lines, "\n")
				_ = tp.PrintfLine("250 queued")
			case "QUIT":
				_ = tp.PrintfLine("221 bye")
				return
			default:
				_ = tp.PrintfLine("500 unknown command")
			}
		}
	}()
	return ln.Addr().String(), data
}

func TestSMTPSender_DeliversOverSMTP(t *testing.T) {
	addr, data := startSMTPServer(t, false)
	s := NewSMTPSender(SMTPConfig{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Send(ctx, testMessage()))

	select {
	case payload := <-data:
		assert.Contains(t, payload, "To: user@test.com")
		assert.Contains(t, payload, "Subject: =?utf-8?q?Tarea_Revisi=C3=B3n_creada?=")
		assert.Contains(t, payload, "La tarea \"Revisión\" fue creada exitosamente.")
	case <-time.After(5 * time.Second):
		t.Fatal("server did not receive the message")
	}
}

func TestSMTPSender_UnresponsiveServerHonoursDeadline(t *testing.T) {
	addr, _ := startSMTPServer(t, true)
	s := NewSMTPSender(SMTPConfig{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := s.Send(ctx, testMessage())
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSMTPSender_UnresponsiveServerHonoursCancel(t *testing.T) {
	addr, _ := startSMTPServer(t, true)
	s := NewSMTPSender(SMTPConfig{Addr: addr, Timeout: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	start := time.Now()
	err := s.Send(ctx, testMessage())
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSMTPSender_DefaultTimeoutWithoutDeadline(t *testing.T) {
	addr, _ := startSMTPServer(t, true)
	s := NewSMTPSender(SMTPConfig{Addr: addr, Timeout: 200 * time.Millisecond})

	start := time.Now()
	err := s.Send(context.Background(), testMessage())
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestLogSender(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSender(slog.New(slog.NewJSONHandler(&buf, nil)))

	require.NoError(t, s.Send(context.Background(), testMessage()))
	assert.Contains(t, buf.String(), `"subject":"Tarea Revisión creada"`)
	assert.Contains(t, buf.String(), `"to":["user@test.com"]`)

	assert.ErrorIs(t, s.Send(context.Background(), Message{}), ErrInvalidMessage)
}
