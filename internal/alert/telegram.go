package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	BotToken string `yaml:"bot_token" json:"-" env:"TELEGRAM_BOT_TOKEN"`
	ChatID   string `yaml:"chat_id" json:"chat_id" env:"TELEGRAM_CHAT_ID"`
	APIBase  string `yaml:"api_base" json:"api_base,omitempty"`
}

// Validate validates the Telegram bot configuration
func (c TelegramConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.BotToken == "" {
		return fmt.Errorf("telegram bot token is required when enabled")
	}
	if c.ChatID == "" {
		return fmt.Errorf("telegram chat ID is required when enabled")
	}
	return nil
}

// TelegramNotifier sends alerts through the Telegram Bot API
type TelegramNotifier struct {
	botToken   string
	chatID     string
	apiBase    string
	httpClient *http.Client
}

// telegramResponse represents the response from Telegram API
type telegramResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

// NewTelegramNotifier creates a Telegram notifier
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	apiBase := strings.TrimSuffix(config.APIBase, "/")
	if apiBase == "" {
		apiBase = "https://api.telegram.org"
	}
	return &TelegramNotifier{
		botToken:   config.BotToken,
		chatID:     config.ChatID,
		apiBase:    apiBase,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string { return "telegram" }

// Notify sends the alert as a photo caption when a snapshot is attached,
// otherwise as a text message.
func (t *TelegramNotifier) Notify(ctx context.Context, a Alert) error {
	message := formatTelegram(a)
	if len(a.Snapshot) > 0 {
		return t.sendPhoto(ctx, a.Snapshot, message)
	}
	return t.sendMessage(ctx, message)
}

func severityEmoji(s Severity) string {
	switch s {
	case SeverityHigh:
		return "🔴"
	case SeverityMedium:
		return "🟡"
	case SeverityLow:
		return "🟢"
	default:
		return "⚪"
	}
}

// formatTelegram renders an HTML message. The time is shown in the
// local zone to match the UI.
func formatTelegram(a Alert) string {
	ts := a.CreatedAt.Local()
	zoneName, _ := ts.Zone()

	var b strings.Builder
	fmt.Fprintf(&b, "🚨 <b>%s</b>\n\n", html.EscapeString(a.Title))
	fmt.Fprintf(&b, "%s\n", html.EscapeString(a.Message))
	if a.Species != "" {
		fmt.Fprintf(&b, "\n🐾 Pet: %s", a.Species)
	}
	if a.Target != "" {
		fmt.Fprintf(&b, "\n📍 Where: %s", html.EscapeString(a.Target))
	}
	fmt.Fprintf(&b, "\n%s Severity: %s", severityEmoji(a.Severity), a.Severity)
	fmt.Fprintf(&b, "\n🕐 Time: %s %s", ts.Format("2 Jan 2006, 15:04:05"), zoneName)
	return b.String()
}

func (t *TelegramNotifier) sendMessage(ctx context.Context, message string) error {
	payload := map[string]any{
		"chat_id":    t.chatID,
		"text":       message,
		"parse_mode": "HTML",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.methodURL("sendMessage"), bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	return handleTelegramResponse(resp)
}

// sendPhoto sends a photo using multipart form data
func (t *TelegramNotifier) sendPhoto(ctx context.Context, photoData []byte, caption string) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("chat_id", t.chatID); err != nil {
		return fmt.Errorf("failed to write chat_id field: %w", err)
	}
	if caption != "" {
		if err := writer.WriteField("caption", caption); err != nil {
			return fmt.Errorf("failed to write caption field: %w", err)
		}
		if err := writer.WriteField("parse_mode", "HTML"); err != nil {
			return fmt.Errorf("failed to write parse_mode field: %w", err)
		}
	}

	part, err := writer.CreateFormFile("photo", "alert_frame.jpg")
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(photoData); err != nil {
		return fmt.Errorf("failed to write photo data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.methodURL("sendPhoto"), &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send photo: %w", err)
	}
	defer resp.Body.Close()

	return handleTelegramResponse(resp)
}

func (t *TelegramNotifier) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", t.apiBase, t.botToken, method)
}

// handleTelegramResponse processes the Telegram API response
func handleTelegramResponse(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	var telegramResp telegramResponse
	if err := json.Unmarshal(body, &telegramResp); err != nil {
		return fmt.Errorf("failed to unmarshal response (status %d): %w", resp.StatusCode, err)
	}
	if !telegramResp.OK {
		return fmt.Errorf("telegram API error %d: %s", telegramResp.ErrorCode, telegramResp.Description)
	}
	return nil
}

var _ Notifier = (*TelegramNotifier)(nil)
