package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/smtp"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/macjediwizard/calnotionsync/internal/validator"
)

var (
	// emailRegex is a simple email validation regex
	emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
)

// AlertType represents the type of alert.
type AlertType string

const (
	AlertTypeRenewalFailed  AlertType = "renewal_failed"
	AlertTypeRecovery       AlertType = "recovery"
	AlertTypeBackfillFailed AlertType = "backfill_failed"
)

// Alert subjects. Cooldown and recovery are tracked per subject.
const (
	SubjectChannel  = "calendar-channel"
	SubjectBackfill = "backfill"
)

// Alert represents a notification alert.
type Alert struct {
	Type      AlertType
	Subject   string
	Message   string
	Details   string
	Timestamp time.Time
}

// Config holds notification configuration.
type Config struct {
	// Webhook settings
	WebhookEnabled bool
	WebhookURL     string

	// Email settings
	EmailEnabled bool
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPTo       []string // Recipients
	SMTPTLS      bool

	// Alert settings
	CooldownPeriod time.Duration // How long to wait before re-alerting for the same subject
}

// Notifier sends alert notifications.
type Notifier struct {
	cfg        *Config
	httpClient *http.Client

	// Track last alert time per subject to implement cooldown
	mu             sync.RWMutex
	lastAlertTimes map[string]time.Time
	failing        map[string]bool // Subjects currently in a failed state

	// dispatch delivers an alert; replaced in tests.
	dispatch func(ctx context.Context, alert Alert)
}

// New creates a new Notifier.
func New(cfg *Config) *Notifier {
	n := &Notifier{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		lastAlertTimes: make(map[string]time.Time),
		failing:        make(map[string]bool),
	}
	n.dispatch = func(ctx context.Context, alert Alert) { go n.send(ctx, alert) }
	return n
}

// ValidateConfig validates the notification configuration.
// Returns an error if the configuration is invalid.
func ValidateConfig(cfg *Config) error {
	if cfg.WebhookEnabled {
		if cfg.WebhookURL == "" {
			return fmt.Errorf("webhook URL is required when webhook is enabled")
		}
		if err := validateWebhookURL(cfg.WebhookURL); err != nil {
			return fmt.Errorf("invalid webhook URL: %w", err)
		}
	}

	if cfg.EmailEnabled {
		if cfg.SMTPHost == "" {
			return fmt.Errorf("SMTP host is required when email is enabled")
		}
		if cfg.SMTPPort < 1 || cfg.SMTPPort > 65535 {
			return fmt.Errorf("SMTP port must be between 1 and 65535")
		}
		if cfg.SMTPFrom == "" {
			return fmt.Errorf("SMTP from address is required when email is enabled")
		}
		if !isValidEmail(cfg.SMTPFrom) {
			return fmt.Errorf("invalid SMTP from address")
		}
		for _, to := range cfg.SMTPTo {
			if !isValidEmail(to) {
				return fmt.Errorf("invalid SMTP recipient address: %s", to)
			}
		}
	}

	if cfg.CooldownPeriod < time.Minute {
		return fmt.Errorf("cooldown period must be at least 1 minute")
	}

	return nil
}

// validateWebhookURL validates that the webhook URL is safe to use.
func validateWebhookURL(webhookURL string) error {
	parsed, err := url.Parse(webhookURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	// Only allow HTTPS for webhooks (security requirement)
	if parsed.Scheme != "https" {
		return fmt.Errorf("webhook URL must use HTTPS")
	}

	// Block localhost and private IP ranges to prevent SSRF
	host := strings.ToLower(parsed.Hostname())
	if host == "localhost" {
		return fmt.Errorf("webhook URL cannot point to localhost")
	}

	if strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("webhook URL cannot point to internal hosts")
	}

	if validator.IsPrivateIP(net.ParseIP(host)) {
		return fmt.Errorf("webhook URL cannot point to private IP addresses")
	}

	return nil
}

// isValidEmail validates an email address format.
func isValidEmail(email string) bool {
	return emailRegex.MatchString(email)
}

// sanitizeForEmail removes characters that could be used for email header injection.
func sanitizeForEmail(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// IsEnabled returns true if any notification method is enabled.
func (n *Notifier) IsEnabled() bool {
	return n.cfg.WebhookEnabled || n.cfg.EmailEnabled
}

// fail marks subject failed and reports whether an alert is due.
func (n *Notifier) fail(subject string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.failing[subject] {
		lastAlert, exists := n.lastAlertTimes[subject]
		if exists && time.Since(lastAlert) < n.cfg.CooldownPeriod {
			return false // Still in cooldown
		}
	}
	n.failing[subject] = true
	n.lastAlertTimes[subject] = time.Now()
	return true
}

// SendRenewalFailedAlert reports a failed channel setup or renewal.
// Returns true if the alert was sent, false if still in cooldown.
func (n *Notifier) SendRenewalFailedAlert(ctx context.Context, channelID string, cause error) bool {
	if !n.fail(SubjectChannel) {
		return false
	}
	details := fmt.Sprintf("Error: %v", cause)
	if channelID != "" {
		details = fmt.Sprintf("Channel %s: %v", channelID, cause)
	}
	n.dispatch(ctx, Alert{
		Type:      AlertTypeRenewalFailed,
		Subject:   SubjectChannel,
		Message:   "Calendar push channel renewal failed",
		Details:   details + ". Changes are picked up by the fallback poll until renewal succeeds.",
		Timestamp: time.Now(),
	})
	return true
}

// SendBackfillFailedAlert reports a failed historical import.
func (n *Notifier) SendBackfillFailedAlert(ctx context.Context, reason string, processed, total int) bool {
	if !n.fail(SubjectBackfill) {
		return false
	}
	n.dispatch(ctx, Alert{
		Type:      AlertTypeBackfillFailed,
		Subject:   SubjectBackfill,
		Message:   "Historical backfill failed",
		Details:   fmt.Sprintf("%s (%d of %d events processed)", reason, processed, total),
		Timestamp: time.Now(),
	})
	return true
}

// SendRecoveryAlert sends an alert when a failing subject succeeds again.
// It is a no-op unless the subject was failing.
func (n *Notifier) SendRecoveryAlert(ctx context.Context, subject string) bool {
	n.mu.Lock()
	wasFailing := n.failing[subject]
	if wasFailing {
		delete(n.failing, subject)
		delete(n.lastAlertTimes, subject)
	}
	n.mu.Unlock()

	if !wasFailing {
		return false
	}

	message := "Calendar push channel renewed"
	if subject == SubjectBackfill {
		message = "Historical backfill completed"
	}
	n.dispatch(ctx, Alert{
		Type:      AlertTypeRecovery,
		Subject:   subject,
		Message:   message,
		Details:   "Back to normal operation",
		Timestamp: time.Now(),
	})
	return true
}

// Failing returns the subjects currently in a failed state.
func (n *Notifier) Failing() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	subjects := make([]string, 0, len(n.failing))
	for s, failing := range n.failing {
		if failing {
			subjects = append(subjects, s)
		}
	}
	return subjects
}

// send sends the alert via all configured channels.
func (n *Notifier) send(ctx context.Context, alert Alert) {
	if n.cfg.WebhookEnabled && n.cfg.WebhookURL != "" {
		if err := n.sendWebhook(ctx, alert); err != nil {
			log.Printf("[Notify] Webhook error: %v", err)
		}
	}

	if n.cfg.EmailEnabled && len(n.cfg.SMTPTo) > 0 {
		recipientSet := make(map[string]struct{})
		for _, email := range n.cfg.SMTPTo {
			recipientSet[strings.ToLower(email)] = struct{}{}
		}
		recipients := make([]string, 0, len(recipientSet))
		for email := range recipientSet {
			recipients = append(recipients, email)
		}
		if err := n.sendEmail(alert, recipients); err != nil {
			log.Printf("[Notify] Email error: %v", err)
		}
	}
}

// WebhookPayload is the JSON payload sent to webhooks.
type WebhookPayload struct {
	AlertType string `json:"alert_type"`
	Subject   string `json:"subject"`
	Message   string `json:"message"`
	Details   string `json:"details"`
	Timestamp string `json:"timestamp"`
	// Slack-compatible fields
	Text string `json:"text,omitempty"`
}

func (n *Notifier) sendWebhook(ctx context.Context, alert Alert) error {
	// Build Slack-compatible message
	emoji := ""
	switch alert.Type {
	case AlertTypeRenewalFailed:
		emoji = ":warning:"
	case AlertTypeRecovery:
		emoji = ":white_check_mark:"
	case AlertTypeBackfillFailed:
		emoji = ":x:"
	}

	payload := WebhookPayload{
		AlertType: string(alert.Type),
		Subject:   alert.Subject,
		Message:   alert.Message,
		Details:   alert.Details,
		Timestamp: alert.Timestamp.Format(time.RFC3339),
		Text:      fmt.Sprintf("%s *%s*\n%s", emoji, alert.Message, alert.Details),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	log.Printf("[Notify] Webhook sent: %s", alert.Message)
	return nil
}

func (n *Notifier) sendEmail(alert Alert, recipients []string) error {
	// Sanitize inputs to prevent email header injection
	sanitizedMessage := sanitizeForEmail(alert.Message)
	sanitizedDetails := sanitizeForEmail(alert.Details)

	subject := fmt.Sprintf("[CalNotionSync] %s", sanitizedMessage)

	var body strings.Builder
	body.WriteString(fmt.Sprintf("Alert Type: %s\n", alert.Type))
	body.WriteString(fmt.Sprintf("Component: %s\n", alert.Subject))
	body.WriteString(fmt.Sprintf("Time: %s\n\n", alert.Timestamp.Format(time.RFC1123)))
	body.WriteString(fmt.Sprintf("Message: %s\n", sanitizedMessage))
	body.WriteString(fmt.Sprintf("Details: %s\n", sanitizedDetails))

	to := strings.Join(recipients, ", ")
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		n.cfg.SMTPFrom, to, subject, body.String())

	addr := fmt.Sprintf("%s:%d", n.cfg.SMTPHost, n.cfg.SMTPPort)

	var auth smtp.Auth
	if n.cfg.SMTPUsername != "" {
		auth = smtp.PlainAuth("", n.cfg.SMTPUsername, n.cfg.SMTPPassword, n.cfg.SMTPHost)
	}

	var err error
	if n.cfg.SMTPTLS {
		err = n.sendEmailTLS(addr, auth, n.cfg.SMTPFrom, recipients, []byte(msg))
	} else {
		err = smtp.SendMail(addr, auth, n.cfg.SMTPFrom, recipients, []byte(msg))
	}
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	log.Printf("[Notify] Email sent to %d recipients: %s", len(recipients), sanitizedMessage)
	return nil
}

// sendEmailTLS sends email over TLS (for port 465).
func (n *Notifier) sendEmailTLS(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	tlsConfig := &tls.Config{
		ServerName: n.cfg.SMTPHost,
		MinVersion: tls.VersionTLS12,
	}

	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("dial TLS: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, n.cfg.SMTPHost)
	if err != nil {
		return fmt.Errorf("create SMTP client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}

	for _, recipient := range to {
		if err := client.Rcpt(recipient); err != nil {
			return fmt.Errorf("rcpt to %s: %w", recipient, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}

	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}

	return client.Quit()
}
