package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// TelegramClient pushes alert notifications to an operator chat. Disabled
// when TELEGRAM_BOT_TOKEN or TELEGRAM_CHAT_ID is unset.
type TelegramClient struct {
	botToken string
	chatID   string
	client   *http.Client
}

func NewTelegramClient() *TelegramClient {
	return &TelegramClient{
		botToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		chatID:   os.Getenv("TELEGRAM_CHAT_ID"),
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type telegramMessage struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// NotifyAlert forwards one alert to the configured chat.
func (c *TelegramClient) NotifyAlert(agentID, message string, ts time.Time) error {
	if c.botToken == "" || c.chatID == "" {
		return nil
	}

	text := fmt.Sprintf("Alert from agent %s at %s:\n%s",
		agentID, ts.Format(time.RFC3339), message)

	body, err := json.Marshal(telegramMessage{ChatID: c.chatID, Text: text})
	if err != nil {
		return fmt.Errorf("marshal telegram message: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", c.botToken)
	resp, err := c.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram API status %d: %s", resp.StatusCode, payload)
	}
	return nil
}
