package notifier

import (
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"
)

// telegramMessageLimit is the bot API cap on message length.
const telegramMessageLimit = 4096

type TelegramNotifier struct {
	Token  string
	ChatID string

	retries int
	delay   time.Duration
	client  *http.Client
	apiBase string
}

// NewTelegramNotifier builds a notifier for the Telegram bot API. proxyURL
// may be empty; it covers deployments where api.telegram.org is blocked.
func NewTelegramNotifier(token, chatID, proxyURL string, retries int, delay time.Duration) *TelegramNotifier {
	client := &http.Client{Timeout: 10 * time.Second}
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			log.Printf("Notifier | Invalid proxy URL %q, connecting directly: %v", proxyURL, err)
		} else {
			client.Transport = &http.Transport{Proxy: http.ProxyURL(parsed)}
		}
	}
	if retries < 1 {
		retries = 1
	}
	return &TelegramNotifier{
		Token:   token,
		ChatID:  chatID,
		retries: retries,
		delay:   delay,
		client:  client,
		apiBase: "https://api.telegram.org",
	}
}

func (t *TelegramNotifier) Send(message string) error {
	if len(message) > telegramMessageLimit {
		message = message[:telegramMessageLimit-3] + "..."
	}
	apiURL := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.Token)
	resp, err := t.client.PostForm(apiURL, url.Values{
		"chat_id": {t.ChatID},
		"text":    {message},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram send failed: %s", resp.Status)
	}
	return nil
}

// SendWithRetry retries Send with a fixed delay between attempts and gives
// up after the configured attempt count.
func (t *TelegramNotifier) SendWithRetry(message string) error {
	var lastErr error
	for attempt := 1; attempt <= t.retries; attempt++ {
		if lastErr = t.Send(message); lastErr == nil {
			return nil
		}
		log.Printf("Notifier | Send attempt %d/%d failed: %v", attempt, t.retries, lastErr)
		if attempt < t.retries {
			time.Sleep(t.delay)
		}
	}
	return fmt.Errorf("failed to send notification after %d attempts: %w", t.retries, lastErr)
}

// RetryWithNotification runs action under the same retry budget and
// reports a permanent failure to the chat before returning it.
func (t *TelegramNotifier) RetryWithNotification(action func() error, description string) error {
	var lastErr error
	for attempt := 1; attempt <= t.retries; attempt++ {
		if lastErr = action(); lastErr == nil {
			return nil
		}
		log.Printf("Notifier | %s attempt %d/%d failed: %v", description, attempt, t.retries, lastErr)
		if attempt < t.retries {
			time.Sleep(t.delay)
		}
	}
	if err := t.SendWithRetry(fmt.Sprintf("%s failed after %d attempts: %v", description, t.retries, lastErr)); err != nil {
		log.Printf("Notifier | Could not report failure of %s: %v", description, err)
	}
	return lastErr
}
