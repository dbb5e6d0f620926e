package verification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strconv"

	"github.com/google/uuid"
)

// Payload is what gets delivered through a channel.
type Payload struct {
	Token       string
	MessageType string
}

// DispatchResult reports the provider outcome for one send.
type DispatchResult struct {
	Provider    string
	ProviderRef string
}

// Dispatcher delivers verification payloads through an external channel
// provider. Implementations are swappable per provider and must be safe
// to retry for the same token.
type Dispatcher interface {
	Send(ctx context.Context, channel Channel, recipient string, payload Payload) (DispatchResult, error)
}

// RoutingDispatcher selects a provider per channel.
type RoutingDispatcher struct {
	routes map[Channel]Dispatcher
}

// NewRoutingDispatcher builds a dispatcher routing each channel to its
// provider.
func NewRoutingDispatcher(routes map[Channel]Dispatcher) *RoutingDispatcher {
	return &RoutingDispatcher{routes: routes}
}

// Send routes to the channel's provider.
func (d *RoutingDispatcher) Send(ctx context.Context, channel Channel, recipient string, payload Payload) (DispatchResult, error) {
	provider, ok := d.routes[channel]
	if !ok {
		return DispatchResult{}, fmt.Errorf("no provider configured for channel %s", channel)
	}
	return provider.Send(ctx, channel, recipient, payload)
}

// SMTPDispatcher delivers email tokens through a plain SMTP relay.
type SMTPDispatcher struct {
	Host string
	Port int
	From string
}

// Send relays the verification mail.
func (d *SMTPDispatcher) Send(ctx context.Context, channel Channel, recipient string, payload Payload) (DispatchResult, error) {
	addr := d.Host + ":" + strconv.Itoa(d.Port)
	msg := []byte("From: " + d.From + "\r\n" +
		"To: " + recipient + "\r\n" +
		"Subject: Verify your account\r\n" +
		"\r\n" +
		"Your verification code is: " + payload.Token + "\r\n")
	if err := smtp.SendMail(addr, nil, d.From, []string{recipient}, msg); err != nil {
		return DispatchResult{Provider: "smtp"}, err
	}
	return DispatchResult{Provider: "smtp", ProviderRef: uuid.NewString()}, nil
}

// WebhookDispatcher POSTs the payload to an external delivery gateway,
// used for the phone and chat channels.
type WebhookDispatcher struct {
	URL      string
	Provider string
	Client   *http.Client
}

type webhookRequest struct {
	Recipient string `json:"recipient"`
	Channel   string `json:"channel"`
	Message   string `json:"message"`
	Type      string `json:"type"`
}

type webhookResponse struct {
	MessageID string `json:"message_id"`
}

// Send posts the token to the gateway and returns its message reference.
func (d *WebhookDispatcher) Send(ctx context.Context, channel Channel, recipient string, payload Payload) (DispatchResult, error) {
	if d.URL == "" {
		return DispatchResult{Provider: d.Provider}, fmt.Errorf("%s gateway not configured", d.Provider)
	}
	body, err := json.Marshal(webhookRequest{
		Recipient: recipient,
		Channel:   string(channel),
		Message:   "Your verification code is: " + payload.Token,
		Type:      payload.MessageType,
	})
	if err != nil {
		return DispatchResult{Provider: d.Provider}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(body))
	if err != nil {
		return DispatchResult{Provider: d.Provider}, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return DispatchResult{Provider: d.Provider}, err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return DispatchResult{Provider: d.Provider}, fmt.Errorf("gateway returned %d", res.StatusCode)
	}
	var out webhookResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return DispatchResult{Provider: d.Provider}, err
	}
	return DispatchResult{Provider: d.Provider, ProviderRef: out.MessageID}, nil
}
