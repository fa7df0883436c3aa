package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"trading-breakout/internal/markethours"
)

// TelegramNotifier posts alerts to a chat through the Bot API. Fills arrive
// silently, everything else rings.
type TelegramNotifier struct {
	botToken string
	chatID   string
	apiBase  string
	client   *http.Client
}

const telegramAPI = "https://api.telegram.org"

// NewTelegramNotifier creates a Telegram notifier.
// botToken: Bot API token from @BotFather
// chatID: Target chat/group/channel ID
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		apiBase:  telegramAPI,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	body, _ := json.Marshal(map[string]interface{}{
		"chat_id":              t.chatID,
		"text":                 telegramText(alert),
		"parse_mode":           "MarkdownV2",
		"disable_notification": alert.Kind == KindFill,
	})

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram: %s alert: unexpected status %d", alert.Kind, resp.StatusCode)
	}

	log.Printf("[telegram] sent %s alert: %s", alert.Kind, alert.Title)
	return nil
}

// telegramText renders
//
//	🚨 *Trading halted*
//
//	daily loss limit reached, realized P&L ₹-5000.00
//
//	_halt · 15:04:05 IST_
func telegramText(a Alert) string {
	emoji := "ℹ️"
	switch {
	case a.Kind == KindFill:
		emoji = "💹"
	case a.Level == AlertWarning:
		emoji = "⚠️"
	case a.Level == AlertCritical:
		emoji = "🚨"
	}

	footer := []string{}
	if a.Kind != "" {
		footer = append(footer, string(a.Kind))
	}
	if a.Token != "" && !strings.Contains(a.Title, a.Token) {
		footer = append(footer, a.Token)
	}
	footer = append(footer, a.at().In(markethours.IST).Format("15:04:05 MST"))

	return fmt.Sprintf("%s *%s*\n\n%s\n\n_%s_", emoji, escapeMarkdown(a.Title),
		escapeMarkdown(a.Message), escapeMarkdown(strings.Join(footer, " · ")))
}

// escapeMarkdown escapes special characters for Telegram MarkdownV2.
func escapeMarkdown(s string) string {
	specials := []byte{'_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!'}
	var buf bytes.Buffer
	for i := 0; i < len(s); i++ {
		for _, sp := range specials {
			if s[i] == sp {
				buf.WriteByte('\\')
				break
			}
		}
		buf.WriteByte(s[i])
	}
	return buf.String()
}
