package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gomail "gopkg.in/mail.v2"

	"meli-leader-bot/config"
	"meli-leader-bot/utils"
)

// DeliveryError is returned when a transport answers with a failure.
type DeliveryError struct {
	Transport  string
	StatusCode int
	Body       string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Transport, e.StatusCode, e.Body)
}

// TelegramSender posts messages through the Telegram Bot API.
type TelegramSender struct {
	baseURL string
	token   string
	chatID  string
	http    *http.Client
}

func NewTelegramSender(baseURL, token, chatID string, timeout time.Duration) *TelegramSender {
	return &TelegramSender{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		chatID:  chatID,
		http:    &http.Client{Timeout: timeout},
	}
}

type telegramRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (s *TelegramSender) Send(ctx context.Context, msg *Message) error {
	payload, err := json.Marshal(telegramRequest{
		ChatID:                s.chatID,
		Text:                  msg.HTML,
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("telegram: marshal: %w", err)
	}

	endpoint := s.baseURL + "/bot" + s.token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("telegram: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		// The URL carries the bot token; keep it out of logs.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var tr telegramResponse
	_ = json.Unmarshal(body, &tr)
	if resp.StatusCode != http.StatusOK || !tr.OK {
		desc := tr.Description
		if desc == "" {
			desc = strings.TrimSpace(string(body))
		}
		return &DeliveryError{Transport: "telegram", StatusCode: resp.StatusCode, Body: desc}
	}
	return nil
}

// WhatsAppSender delivers plain text through a CallMeBot-style HTTP gateway.
type WhatsAppSender struct {
	apiURL string
	phone  string
	apiKey string
	http   *http.Client
}

func NewWhatsAppSender(apiURL, phone, apiKey string, timeout time.Duration) *WhatsAppSender {
	return &WhatsAppSender{
		apiURL: apiURL,
		phone:  phone,
		apiKey: apiKey,
		http:   &http.Client{Timeout: timeout},
	}
}

func (s *WhatsAppSender) Send(ctx context.Context, msg *Message) error {
	q := url.Values{}
	q.Set("phone", s.phone)
	q.Set("text", msg.Text)
	q.Set("apikey", s.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiURL+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("whatsapp: build request: %w", err)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("whatsapp: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &DeliveryError{Transport: "whatsapp", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return nil
}

// EmailConfig holds SMTP configuration for sending emails.
type EmailConfig struct {
	SMTPServer string
	SMTPPort   int
	SMTPUser   string
	SMTPPass   string
	FromEmail  string
	ToEmail    string
}

// EmailSender delivers messages via SMTP.
type EmailSender struct {
	cfg EmailConfig
}

func NewEmailSender(cfg EmailConfig) *EmailSender {
	return &EmailSender{cfg: cfg}
}

// Send delivers the plain text body with an HTML alternative.
func (s *EmailSender) Send(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("email: %w", err)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.cfg.FromEmail)
	m.SetHeader("To", s.cfg.ToEmail)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Text)
	if msg.HTML != "" {
		m.AddAlternative("text/html", `<div style="white-space:pre-line;font-family:sans-serif">`+msg.HTML+`</div>`)
	}

	dialer := gomail.NewDialer(s.cfg.SMTPServer, s.cfg.SMTPPort, s.cfg.SMTPUser, s.cfg.SMTPPass)
	dialer.Timeout = 10 * time.Second

	if err := dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("email: send to %s: %w", s.cfg.ToEmail, err)
	}
	return nil
}

// MultiSender fans a message out to every configured transport.
type MultiSender struct {
	senders []namedSender
	logger  *utils.Logger
}

type namedSender struct {
	name string
	Sender
}

func NewMultiSender(logger *utils.Logger) *MultiSender {
	return &MultiSender{logger: logger}
}

// Add registers a transport under a name used in logs.
func (m *MultiSender) Add(name string, s Sender) *MultiSender {
	m.senders = append(m.senders, namedSender{name: name, Sender: s})
	return m
}

// Len reports how many transports are registered.
func (m *MultiSender) Len() int { return len(m.senders) }

// Send tries every transport. It fails only if at least one transport
// failed, joining all their errors.
func (m *MultiSender) Send(ctx context.Context, msg *Message) error {
	if len(m.senders) == 0 {
		return ErrNoTransport
	}

	var errs []error
	for _, s := range m.senders {
		if err := s.Send(ctx, msg); err != nil {
			m.logger.Warn("[notify] %s delivery failed: %v", s.name, err)
			errs = append(errs, err)
			continue
		}
		m.logger.Debug("[notify] %s delivery ok", s.name)
	}
	return errors.Join(errs...)
}

// SendersFromConfig registers every transport whose credentials are present.
func SendersFromConfig(cfg *config.Config, logger *utils.Logger) *MultiSender {
	m := NewMultiSender(logger)
	if cfg.TelegramEnabled() {
		m.Add("telegram", NewTelegramSender(cfg.TelegramAPIBaseURL, cfg.TelegramBotToken, cfg.TelegramChatID, cfg.HTTPTimeout))
	}
	if cfg.WhatsAppEnabled() {
		m.Add("whatsapp", NewWhatsAppSender(cfg.WhatsAppAPIURL, cfg.WhatsAppPhone, cfg.WhatsAppAPIKey, cfg.HTTPTimeout))
	}
	if cfg.EmailEnabled() {
		m.Add("email", NewEmailSender(EmailConfig{
			SMTPServer: cfg.SMTPServer,
			SMTPPort:   cfg.SMTPPort,
			SMTPUser:   cfg.SMTPUser,
			SMTPPass:   cfg.SMTPPass,
			FromEmail:  cfg.FromEmail,
			ToEmail:    cfg.ToEmail,
		}))
	}
	if m.Len() == 0 {
		logger.Warn("[notify] No notification transport configured; leader changes will only be logged")
	}
	return m
}
