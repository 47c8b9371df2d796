package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/wolfman30/booking-guard/pkg/logging"
)

const defaultFromName = "Booking Alerts"

// EmailSender delivers one email. SendGrid and SES implementations exist.
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// EmailMessage represents an email to be sent.
type EmailMessage struct {
	To      string
	ToName  string
	Subject string
	Body    string
	HTML    string
}

// SendGridSender sends emails via SendGrid API.
type SendGridSender struct {
	client    *sendgrid.Client
	fromEmail string
	fromName  string
	logger    *logging.Logger
}

// SendGridConfig holds configuration for SendGrid.
type SendGridConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
}

// NewSendGridSender returns nil when no API key is configured.
func NewSendGridSender(cfg SendGridConfig, logger *logging.Logger) *SendGridSender {
	if cfg.APIKey == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.FromName == "" {
		cfg.FromName = defaultFromName
	}
	return &SendGridSender{
		client:    sendgrid.NewSendClient(cfg.APIKey),
		fromEmail: cfg.FromEmail,
		fromName:  cfg.FromName,
		logger:    logger.Component("sendgrid"),
	}
}

func (s *SendGridSender) Send(ctx context.Context, msg EmailMessage) error {
	if s.client == nil {
		return fmt.Errorf("notify: sendgrid client not configured")
	}
	html := msg.HTML
	if html == "" {
		html = msg.Body
	}
	message := mail.NewSingleEmail(mail.NewEmail(s.fromName, s.fromEmail), msg.Subject, mail.NewEmail(msg.ToName, msg.To), msg.Body, html)

	response, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("notify: sendgrid send failed: %w", err)
	}
	if response.StatusCode >= 400 {
		s.logger.Error("sendgrid returned error status", "status", response.StatusCode, "body", response.Body)
		return fmt.Errorf("notify: sendgrid returned status %d", response.StatusCode)
	}
	s.logger.Debug("alert email sent", "to", msg.To, "subject", msg.Subject)
	return nil
}

// EmailConfig tunes an EmailNotifier.
type EmailConfig struct {
	To string
	// MinLevel is the lowest level that is emailed. Defaults to warning.
	MinLevel Level
	// RepeatAfter suppresses an identical notice for this long. Defaults to
	// one hour.
	RepeatAfter time.Duration
	Timeout     time.Duration
	Now         func() time.Time
}

// EmailNotifier mails warning and error notices to an operator address.
// Sending happens in the background; Wait blocks until queued mail is out.
type EmailNotifier struct {
	sender EmailSender
	cfg    EmailConfig
	logger *logging.Logger

	mu   sync.Mutex
	sent map[string]time.Time
	wg   sync.WaitGroup
}

func NewEmailNotifier(sender EmailSender, cfg EmailConfig, logger *logging.Logger) *EmailNotifier {
	if cfg.MinLevel == "" {
		cfg.MinLevel = LevelWarning
	}
	if cfg.RepeatAfter <= 0 {
		cfg.RepeatAfter = time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &EmailNotifier{
		sender: sender,
		cfg:    cfg,
		logger: logger.Component("notify.email"),
		sent:   make(map[string]time.Time),
	}
}

func (e *EmailNotifier) Notify(ctx context.Context, n Notice) {
	if e.sender == nil || e.cfg.To == "" || n.Level.rank() < e.cfg.MinLevel.rank() {
		return
	}
	if !e.due(n) {
		return
	}
	msg := EmailMessage{
		To:      e.cfg.To,
		Subject: fmt.Sprintf("[%s] %s", strings.ToUpper(string(n.Level)), subjectSource(n.Source)),
		Body:    n.Message,
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Timeout)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		if err := e.sender.Send(sendCtx, msg); err != nil {
			e.logger.Warn("failed to email notice", "error", err, "source", n.Source)
		}
	}()
}

// Wait blocks until every started send has finished.
func (e *EmailNotifier) Wait() { e.wg.Wait() }

func (e *EmailNotifier) due(n Notice) bool {
	key := string(n.Level) + "|" + n.Source + "|" + n.Message
	now := e.cfg.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if last, ok := e.sent[key]; ok && now.Sub(last) < e.cfg.RepeatAfter {
		return false
	}
	e.sent[key] = now
	return true
}

func subjectSource(source string) string {
	if source == "" {
		return "booking client notice"
	}
	return source + " notice"
}
