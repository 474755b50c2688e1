package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newRecordingNotifier(cooldown time.Duration) (*Notifier, *[]Alert) {
	n := New(&Config{WebhookEnabled: true, WebhookURL: "https://hooks.example.com/x", CooldownPeriod: cooldown})
	var sent []Alert
	n.dispatch = func(_ context.Context, a Alert) { sent = append(sent, a) }
	return n, &sent
}

func TestRenewalFailureAndRecovery(t *testing.T) {
	ctx := context.Background()
	n, sent := newRecordingNotifier(time.Hour)

	if n.SendRecoveryAlert(ctx, SubjectChannel) {
		t.Error("expected no recovery alert while healthy")
	}

	if !n.SendRenewalFailedAlert(ctx, "ch-1", errors.New("quota exceeded")) {
		t.Fatal("expected first failure to alert")
	}
	if n.SendRenewalFailedAlert(ctx, "ch-1", errors.New("quota exceeded")) {
		t.Error("expected repeated failure within cooldown to be suppressed")
	}
	if got := n.Failing(); len(got) != 1 || got[0] != SubjectChannel {
		t.Errorf("expected channel failing, got %v", got)
	}

	if !n.SendRecoveryAlert(ctx, SubjectChannel) {
		t.Fatal("expected recovery alert after failure")
	}
	if len(*sent) != 2 || (*sent)[0].Type != AlertTypeRenewalFailed || (*sent)[1].Type != AlertTypeRecovery {
		t.Errorf("unexpected alerts: %+v", *sent)
	}
	if len(n.Failing()) != 0 {
		t.Error("expected no failing subjects after recovery")
	}
}

func TestBackfillFailureIsTrackedSeparately(t *testing.T) {
	ctx := context.Background()
	n, sent := newRecordingNotifier(time.Hour)

	n.SendRenewalFailedAlert(ctx, "", errors.New("boom"))
	if !n.SendBackfillFailedAlert(ctx, "calendar unavailable", 25, 80) {
		t.Fatal("expected backfill alert despite channel cooldown")
	}
	last := (*sent)[len(*sent)-1]
	if last.Type != AlertTypeBackfillFailed || last.Details != "calendar unavailable (25 of 80 events processed)" {
		t.Errorf("unexpected alert: %+v", last)
	}
}

func TestSendWebhook(t *testing.T) {
	var got WebhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected JSON content type, got %q", r.Header.Get("Content-Type"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(&Config{WebhookEnabled: true, WebhookURL: srv.URL, CooldownPeriod: time.Minute})
	alert := Alert{Type: AlertTypeBackfillFailed, Subject: SubjectBackfill, Message: "Historical backfill failed", Details: "x", Timestamp: time.Now()}
	if err := n.sendWebhook(context.Background(), alert); err != nil {
		t.Fatalf("sendWebhook failed: %v", err)
	}
	if got.AlertType != "backfill_failed" || got.Subject != SubjectBackfill || got.Text == "" {
		t.Errorf("unexpected payload: %+v", got)
	}

	t.Run("error status is reported", func(t *testing.T) {
		failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer failing.Close()
		n := New(&Config{WebhookEnabled: true, WebhookURL: failing.URL, CooldownPeriod: time.Minute})
		if err := n.sendWebhook(context.Background(), alert); err == nil {
			t.Error("expected error for 502 response")
		}
	})
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled is valid", Config{CooldownPeriod: time.Hour}, false},
		{"https webhook", Config{WebhookEnabled: true, WebhookURL: "https://hooks.slack.com/services/x", CooldownPeriod: time.Hour}, false},
		{"http webhook", Config{WebhookEnabled: true, WebhookURL: "http://hooks.slack.com/x", CooldownPeriod: time.Hour}, true},
		{"private webhook", Config{WebhookEnabled: true, WebhookURL: "https://172.20.0.4/hook", CooldownPeriod: time.Hour}, true},
		{"private ten network webhook", Config{WebhookEnabled: true, WebhookURL: "https://10.1.2.3/hook", CooldownPeriod: time.Hour}, true},
		{"link-local webhook", Config{WebhookEnabled: true, WebhookURL: "https://169.254.169.254/hook", CooldownPeriod: time.Hour}, true},
		{"ipv6 loopback webhook", Config{WebhookEnabled: true, WebhookURL: "https://[::1]/hook", CooldownPeriod: time.Hour}, true},
		{"public ip webhook", Config{WebhookEnabled: true, WebhookURL: "https://172.32.0.1/hook", CooldownPeriod: time.Hour}, false},
		{"localhost webhook", Config{WebhookEnabled: true, WebhookURL: "https://localhost/hook", CooldownPeriod: time.Hour}, true},
		{"email without host", Config{EmailEnabled: true, SMTPPort: 587, SMTPFrom: "a@b.com", CooldownPeriod: time.Hour}, true},
		{"bad recipient", Config{EmailEnabled: true, SMTPHost: "smtp.example.com", SMTPPort: 587, SMTPFrom: "a@b.com", SMTPTo: []string{"nope"}, CooldownPeriod: time.Hour}, true},
		{"short cooldown", Config{CooldownPeriod: time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateConfig(&tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSanitizeForEmail(t *testing.T) {
	if got := sanitizeForEmail("a\r\nBcc: x@y.com"); got != "a Bcc: x@y.com" {
		t.Errorf("unexpected sanitized value %q", got)
	}
}
