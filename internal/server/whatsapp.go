package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/gaffer/internal/agent/core"
	"github.com/sirupsen/logrus"
)

const (
	DefaultGraphBaseURL = "https://graph.facebook.com/v21.0"
	// maxWhatsAppText is the Cloud API limit for one text message body.
	maxWhatsAppText = 4096
	seenTTL         = 15 * time.Minute
)

// Sender delivers a text reply to a WhatsApp user.
type Sender interface {
	SendText(ctx context.Context, to, body string) error
}

// WhatsApp configures the webhook. AppSecret enables X-Hub-Signature-256 checks.
type WhatsApp struct {
	VerifyToken string
	AppSecret   string
	Sender      Sender
	TurnTimeout time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

// inbound mirrors the parts of the Cloud API webhook payload the assistant reads.
type inbound struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Messages []inboundMessage `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type inboundMessage struct {
	ID   string `json:"id"`
	From string `json:"from"`
	Type string `json:"type"`
	Text struct {
		Body string `json:"body"`
	} `json:"text"`
}

func (s *Server) verifyWebhook(c echo.Context) error {
	if c.QueryParam("hub.mode") != "subscribe" || c.QueryParam("hub.verify_token") != s.wa.VerifyToken || s.wa.VerifyToken == "" {
		return echo.NewHTTPError(http.StatusForbidden, "verification failed")
	}
	return c.String(http.StatusOK, c.QueryParam("hub.challenge"))
}

// receiveWebhook acknowledges every delivery with 200 so the platform does not
// redeliver, then answers text messages in the background.
func (s *Server) receiveWebhook(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		s.logger.WithError(err).Warn("whatsapp: read body")
		return c.NoContent(http.StatusOK)
	}
	if s.wa.AppSecret != "" && !validSignature(s.wa.AppSecret, c.Request().Header.Get("X-Hub-Signature-256"), body) {
		s.logger.Warn("whatsapp: signature mismatch")
		return c.NoContent(http.StatusOK)
	}
	var payload inbound
	if err := json.Unmarshal(body, &payload); err != nil {
		s.logger.WithError(err).Warn("whatsapp: decode payload")
		return c.NoContent(http.StatusOK)
	}
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			for _, msg := range change.Value.Messages {
				if msg.Type != "text" || strings.TrimSpace(msg.Text.Body) == "" || msg.From == "" {
					continue
				}
				if !s.wa.firstDelivery(msg.ID, time.Now()) {
					continue
				}
				s.inflight.Add(1)
				go func(m inboundMessage) {
					defer s.inflight.Done()
					s.answer(m)
				}(msg)
			}
		}
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) answer(m inboundMessage) {
	timeout := s.wa.TurnTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(core.WithRoute(context.Background(), "/webhook/whatsapp"), timeout)
	defer cancel()

	log := s.logger.WithFields(logrus.Fields{"session_id": m.From, "message_id": m.ID})
	reply := Apology
	res, err := s.runner.RunTurn(ctx, m.From, m.Text.Body)
	if err != nil {
		log.WithError(err).Error("whatsapp turn failed")
	} else {
		reply = res.Reply
	}
	if s.wa.Sender == nil {
		return
	}
	for _, part := range splitText(reply, maxWhatsAppText) {
		if err := s.wa.Sender.SendText(ctx, m.From, part); err != nil {
			log.WithError(err).Error("whatsapp send failed")
			return
		}
	}
}

// firstDelivery reports whether id has not been seen recently. The platform
// redelivers messages it considers unacknowledged.
func (w *WhatsApp) firstDelivery(id string, now time.Time) bool {
	if id == "" {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seen == nil {
		w.seen = make(map[string]time.Time)
	}
	for k, at := range w.seen {
		if now.Sub(at) > seenTTL {
			delete(w.seen, k)
		}
	}
	if _, ok := w.seen[id]; ok {
		return false
	}
	w.seen[id] = now
	return true
}

func validSignature(secret, header string, body []byte) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

// splitText breaks s into chunks of at most max runes, preferring paragraph
// and line boundaries.
func splitText(s string, max int) []string {
	var out []string
	for {
		r := []rune(s)
		if len(r) <= max {
			if strings.TrimSpace(s) != "" || len(out) == 0 {
				out = append(out, s)
			}
			return out
		}
		head := string(r[:max])
		cut := strings.LastIndex(head, "\n\n")
		if cut <= 0 {
			cut = strings.LastIndex(head, "\n")
		}
		if cut <= 0 {
			cut = strings.LastIndex(head, " ")
		}
		if cut <= 0 {
			cut = len(head)
		}
		out = append(out, strings.TrimRight(head[:cut], " \n"))
		s = strings.TrimLeft(s[cut:], " \n")
	}
}

// CloudSender sends text messages through the WhatsApp Cloud API.
type CloudSender struct {
	BaseURL       string
	PhoneNumberID string
	AccessToken   string
	Client        *http.Client
}

type outbound struct {
	MessagingProduct string `json:"messaging_product"`
	RecipientType    string `json:"recipient_type"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Text             struct {
		PreviewURL bool   `json:"preview_url"`
		Body       string `json:"body"`
	} `json:"text"`
}

func (s CloudSender) SendText(ctx context.Context, to, body string) error {
	base := s.BaseURL
	if base == "" {
		base = DefaultGraphBaseURL
	}
	msg := outbound{MessagingProduct: "whatsapp", RecipientType: "individual", To: to, Type: "text"}
	msg.Text.Body = body
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/%s/messages", strings.TrimRight(base, "/"), s.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("whatsapp send: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return nil
}
