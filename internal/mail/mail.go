// Package mail provides the outbound messaging capability used for password
// reset links.
package mail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	gomail "github.com/wneessen/go-mail"

	"cofradia.org/internal/auth"
	"cofradia.org/internal/obs"
)

var (
	_ auth.Mailer = (*SMTP)(nil)
	_ auth.Mailer = (*NATS)(nil)
	_ auth.Mailer = Log{}
)

// SMTPConfig describes the relay used for direct delivery.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// SMTP delivers messages through an SMTP relay.
type SMTP struct {
	cfg SMTPConfig
}

func NewSMTP(cfg SMTPConfig) (*SMTP, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("mail: smtp host is required")
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("mail: sender address is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &SMTP{cfg: cfg}, nil
}

func (s *SMTP) message(to, subject, html string) (*gomail.Msg, error) {
	msg := gomail.NewMsg()
	if err := msg.From(s.cfg.From); err != nil {
		return nil, fmt.Errorf("mail: from: %w", err)
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("mail: to: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextHTML, html)
	return msg, nil
}

func (s *SMTP) Send(ctx context.Context, to, subject, html string) error {
	msg, err := s.message(to, subject, html)
	if err != nil {
		return err
	}
	opts := []gomail.Option{
		gomail.WithPort(s.cfg.Port),
		gomail.WithTimeout(s.cfg.Timeout),
		gomail.WithTLSPolicy(gomail.TLSOpportunistic),
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(s.cfg.Username),
			gomail.WithPassword(s.cfg.Password),
		)
	}
	client, err := gomail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("mail: client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("mail: send: %w", err)
	}
	return nil
}

// Requester is the part of *nats.Conn the queue mailer needs.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

const DefaultSubject = "mail.outbound"

// Envelope is the payload handed to the mail worker.
type Envelope struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

type ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// NATS hands messages to a mail worker over request/reply and waits for its ack.
type NATS struct {
	conn    Requester
	subject string
	timeout time.Duration
}

func NewNATS(conn Requester, subject string, timeout time.Duration) *NATS {
	if subject == "" {
		subject = DefaultSubject
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NATS{conn: conn, subject: subject, timeout: timeout}
}

// Connect dials NATS with reconnect handling and log hooks.
func Connect(url string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("cofradia-api"),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			obs.LogEntry("warn", "nats_disconnected", map[string]any{"error": fmt.Sprint(err)})
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			obs.LogEntry("info", "nats_reconnected", map[string]any{"url": nc.ConnectedUrl()})
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("mail: connect nats: %w", err)
	}
	return nc, nil
}

func (n *NATS) Send(ctx context.Context, to, subject, html string) error {
	payload, err := json.Marshal(Envelope{To: to, Subject: subject, HTML: html})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	reply, err := n.conn.RequestWithContext(ctx, n.subject, payload)
	if err != nil {
		return fmt.Errorf("mail: request: %w", err)
	}
	var a ack
	if err := json.Unmarshal(reply.Data, &a); err != nil {
		return fmt.Errorf("mail: bad ack: %w", err)
	}
	if !a.OK {
		if a.Error == "" {
			a.Error = "rejected"
		}
		return fmt.Errorf("mail: worker: %s", a.Error)
	}
	return nil
}

// Log writes message metadata to the structured log instead of sending it.
// The body is left out because it carries the reset token.
type Log struct{}

func (Log) Send(_ context.Context, to, subject, html string) error {
	obs.LogEntry("info", "mail_logged", map[string]any{
		"to":         to,
		"subject":    subject,
		"body_bytes": len(html),
	})
	return nil
}
