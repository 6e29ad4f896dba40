package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/terminal-bench/coinmix/pkg/messaging"
)

// AlertStore marks alerts as delivered.
type AlertStore interface {
	MarkNotificationSent(ctx context.Context, id int64) error
}

// Notifier forwards security alerts to a Telegram chat. Delivery is
// fire-and-forget; a failed send is logged and the alert stays persisted.
type Notifier struct {
	store    AlertStore
	http     *http.Client
	apiBase  string
	botToken string
	chatID   string
	log      *zap.Logger
}

func New(store AlertStore, botToken, chatID string, log *zap.Logger) *Notifier {
	return &Notifier{
		store:    store,
		http:     &http.Client{Timeout: 10 * time.Second},
		apiBase:  "https://api.telegram.org",
		botToken: botToken,
		chatID:   chatID,
		log:      log,
	}
}

// Start subscribes to security alert events. Workers share a queue group so
// each alert is delivered once.
func (n *Notifier) Start(msg *messaging.Client) error {
	return msg.QueueSubscribe(messaging.SubjectSecurityAlert, "notifier", n.handle)
}

func (n *Notifier) handle(m *nats.Msg) {
	var event messaging.AlertEvent
	if err := json.Unmarshal(m.Data, &event); err != nil {
		n.log.Warn("malformed alert event", zap.Error(err))
		return
	}

	if n.botToken == "" || n.chatID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := n.send(ctx, formatAlert(event)); err != nil {
		n.log.Warn("failed to deliver alert",
			zap.String("alert_type", event.AlertType), zap.Error(err))
		return
	}

	if event.AlertID != 0 {
		if err := n.store.MarkNotificationSent(ctx, event.AlertID); err != nil {
			n.log.Warn("failed to mark alert delivered",
				zap.Int64("alert_id", event.AlertID), zap.Error(err))
		}
	}
}

func (n *Notifier) send(ctx context.Context, text string) error {
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.apiBase, n.botToken)
	form := url.Values{
		"chat_id": {n.chatID},
		"text":    {text},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}
	return nil
}

func formatAlert(event messaging.AlertEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Security Alert: %s\n", event.AlertType)
	fmt.Fprintf(&b, "Severity: %s\n", event.Severity)
	for k, v := range event.Details {
		fmt.Fprintf(&b, "%s: %s\n", k, v)
	}
	return b.String()
}
