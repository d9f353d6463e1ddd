package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coldstack/tapebackarr/internal/config"
)

// TelegramNotifier sends events to a chat via the Telegram Bot API,
// grounded on the teacher's TelegramService — same MarkdownV2 escaping
// and httpClient-with-timeout shape, generalized to the Event type.
type TelegramNotifier struct {
	cfg        config.TelegramConfig
	httpClient *http.Client
}

func NewTelegramNotifier(cfg config.TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{cfg: cfg, httpClient: &http.Client{Timeout: 10 * time.Second}}
}

func (t *TelegramNotifier) enabled() bool {
	return t.cfg.Enabled && t.cfg.BotToken != "" && t.cfg.ChatID != ""
}

func (t *TelegramNotifier) Send(ctx context.Context, event Event) error {
	if !t.enabled() {
		return nil
	}
	text := t.format(event)
	return t.sendMessage(ctx, text)
}

func (t *TelegramNotifier) format(event Event) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s *%s*\n\n", emojiFor(event.Kind), escapeMarkdown(event.TaskName))
	buf.WriteString(escapeMarkdown(event.Message))
	if len(event.Details) > 0 {
		buf.WriteString("\n\n*Details:*\n")
		for k, v := range event.Details {
			fmt.Fprintf(&buf, "- %s: `%v`\n", escapeMarkdown(k), v)
		}
	}
	fmt.Fprintf(&buf, "\n\n_Sent at %s_", escapeMarkdown(event.Timestamp.Format("2006-01-02 15:04:05")))
	return buf.String()
}

func escapeMarkdown(s string) string {
	specialChars := []string{"_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "-", "=", "|", "{", "}", ".", "!"}
	result := s
	for _, c := range specialChars {
		result = string(bytes.ReplaceAll([]byte(result), []byte(c), []byte("\\"+c)))
	}
	return result
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func (t *TelegramNotifier) sendMessage(ctx context.Context, text string) error {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.cfg.BotToken)

	msg := telegramMessage{ChatID: t.cfg.ChatID, Text: text, ParseMode: "MarkdownV2"}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal telegram message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Description string `json:"description"`
		}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return fmt.Errorf("telegram API error: %s", errResp.Description)
	}
	return nil
}
