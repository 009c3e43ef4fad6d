package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	netmail "net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// ErrTransmission wraps every failure to hand a message to the relay.
var ErrTransmission = errors.New("mail transmission failed")

// Credentials authenticate against the relay. An empty Username skips AUTH.
type Credentials struct {
	Username string
	Password string
}

// Sender transmits a built message to one recipient.
type Sender interface {
	Send(ctx context.Context, msg *Message, creds Credentials, recipient string) error
}

// TLS modes for SMTPSender.
const (
	TLSImplicit = "implicit"
	TLSStartTLS = "starttls"
	TLSNone     = "none"
)

// SMTPSender delivers through an SMTP relay.
type SMTPSender struct {
	Host      string
	Port      int
	TLS       string
	Timeout   time.Duration
	TLSConfig *tls.Config
}

func (s SMTPSender) Send(ctx context.Context, msg *Message, creds Credentials, recipient string) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", ErrTransmission)
	}
	from, err := envelopeAddress(msg.From)
	if err != nil {
		return fmt.Errorf("%w: sender: %w", ErrTransmission, err)
	}
	rcpt, err := envelopeAddress(recipient)
	if err != nil {
		return fmt.Errorf("%w: recipient: %w", ErrTransmission, err)
	}

	c, stop, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: connect %s:%d: %w", ErrTransmission, s.Host, s.Port, err)
	}
	defer stop()
	defer c.Close()

	step := func(name string, err error) error {
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%w: %s: %w", ErrTransmission, name, ctxErr)
		}
		return fmt.Errorf("%w: %s: %w", ErrTransmission, name, err)
	}

	if strings.EqualFold(s.TLS, TLSStartTLS) {
		if err := step("starttls", c.StartTLS(s.tlsConfig())); err != nil {
			return err
		}
	}
	if creds.Username != "" {
		auth := smtp.PlainAuth("", creds.Username, creds.Password, s.Host)
		if err := step("auth", c.Auth(auth)); err != nil {
			return err
		}
	}
	if err := step("mail from", c.Mail(from)); err != nil {
		return err
	}
	if err := step("rcpt to", c.Rcpt(rcpt)); err != nil {
		return err
	}
	w, err := c.Data()
	if err := step("data", err); err != nil {
		return err
	}
	if _, err := msg.WriteTo(w); err != nil {
		_ = w.Close()
		return step("write message", err)
	}
	if err := step("end data", w.Close()); err != nil {
		return err
	}
	return step("quit", c.Quit())
}

// dial connects and reads the greeting. The returned stop func detaches the
// connection from ctx cancellation.
func (s SMTPSender) dial(ctx context.Context) (*smtp.Client, func() bool, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	if s.TLS == "" || strings.EqualFold(s.TLS, TLSImplicit) {
		tc := tls.Client(conn, s.tlsConfig())
		if err := tc.HandshakeContext(ctx); err != nil {
			stop()
			_ = conn.Close()
			return nil, nil, err
		}
		conn = tc
	}
	c, err := smtp.NewClient(conn, s.Host)
	if err != nil {
		stop()
		_ = conn.Close()
		return nil, nil, err
	}
	return c, stop, nil
}

func (s SMTPSender) tlsConfig() *tls.Config {
	if s.TLSConfig != nil {
		return s.TLSConfig
	}
	return &tls.Config{ServerName: s.Host, MinVersion: tls.VersionTLS12}
}

func envelopeAddress(v string) (string, error) {
	addr, err := netmail.ParseAddress(v)
	if err != nil {
		return "", err
	}
	return addr.Address, nil
}
