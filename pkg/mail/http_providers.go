package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	defaultSendGridEndpoint = "https://api.sendgrid.com/v3/mail/send"
	defaultResendEndpoint   = "https://api.resend.com/emails"
	maxErrorBody            = 2048
)

type apiTransport struct {
	provider string
	endpoint string
	apiKey   string
	from     string
	fromName string
	client   *http.Client
}

func newAPITransport(provider, endpoint, fallback string, settings Settings) (*apiTransport, error) {
	if strings.TrimSpace(settings.APIKey) == "" {
		return nil, fmt.Errorf("%s: api key is required", provider)
	}
	if strings.TrimSpace(endpoint) == "" {
		endpoint = fallback
	}
	client := settings.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: settings.Timeout}
	}
	return &apiTransport{
		provider: provider,
		endpoint: endpoint,
		apiKey:   settings.APIKey,
		from:     settings.From,
		fromName: settings.FromName,
		client:   client,
	}, nil
}

func (t *apiTransport) post(ctx context.Context, payload any) (*http.Response, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: encode payload: %w", t.provider, err)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("%s: build request: %w", t.provider, err)
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: request: %w", t.provider, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, nil, fmt.Errorf("%s: read response: %w", t.provider, err)
	}
	return resp, data, nil
}

func (t *apiTransport) statusError(status int, body []byte) error {
	text := strings.TrimSpace(string(body))
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody]
	}
	return &ProviderError{Provider: t.provider, StatusCode: status, Body: text}
}

// SendGridTransport delivers through the SendGrid v3 mail send API.
type SendGridTransport struct {
	*apiTransport
}

// NewSendGridTransport requires an API key; the endpoint defaults to the public API.
func NewSendGridTransport(settings Settings) (*SendGridTransport, error) {
	api, err := newAPITransport(ProviderSendGrid, settings.SendGridEndpoint, defaultSendGridEndpoint, settings)
	if err != nil {
		return nil, err
	}
	return &SendGridTransport{apiTransport: api}, nil
}

func (t *SendGridTransport) Name() string { return ProviderSendGrid }

type sendGridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendGridPayload struct {
	Personalizations []struct {
		To []sendGridAddress `json:"to"`
	} `json:"personalizations"`
	From    sendGridAddress   `json:"from"`
	Subject string            `json:"subject"`
	Content []sendGridContent `json:"content"`
}

func (t *SendGridTransport) Send(ctx context.Context, msg Message) (Result, error) {
	env, err := prepare(msg, t.from, t.fromName)
	if err != nil {
		return Result{}, err
	}

	var payload sendGridPayload
	payload.Personalizations = make([]struct {
		To []sendGridAddress `json:"to"`
	}, 1)
	for _, rcpt := range env.recipients {
		payload.Personalizations[0].To = append(payload.Personalizations[0].To, sendGridAddress{Email: rcpt})
	}
	payload.From = sendGridAddress{Email: env.from, Name: env.fromName}
	payload.Subject = escapeHeader(msg.Subject)
	// SendGrid requires text/plain to precede text/html.
	if msg.Text != "" {
		payload.Content = append(payload.Content, sendGridContent{Type: "text/plain", Value: msg.Text})
	}
	if msg.HTML != "" {
		payload.Content = append(payload.Content, sendGridContent{Type: "text/html", Value: msg.HTML})
	}
	if len(payload.Content) == 0 {
		return Result{}, errors.New("sendgrid: message body is empty")
	}

	resp, body, err := t.post(ctx, payload)
	if err != nil {
		return Result{}, err
	}
	if resp.StatusCode != http.StatusAccepted {
		return Result{}, t.statusError(resp.StatusCode, body)
	}
	return Result{Provider: ProviderSendGrid, MessageID: resp.Header.Get("X-Message-Id")}, nil
}

// ResendTransport delivers through the Resend emails API.
type ResendTransport struct {
	*apiTransport
}

// NewResendTransport requires an API key; the endpoint defaults to the public API.
func NewResendTransport(settings Settings) (*ResendTransport, error) {
	api, err := newAPITransport(ProviderResend, settings.ResendEndpoint, defaultResendEndpoint, settings)
	if err != nil {
		return nil, err
	}
	return &ResendTransport{apiTransport: api}, nil
}

func (t *ResendTransport) Name() string { return ProviderResend }

type resendPayload struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text,omitempty"`
}

func (t *ResendTransport) Send(ctx context.Context, msg Message) (Result, error) {
	env, err := prepare(msg, t.from, t.fromName)
	if err != nil {
		return Result{}, err
	}

	payload := resendPayload{
		From:    FormatAddress(env.from, env.fromName),
		To:      env.recipients,
		Subject: escapeHeader(msg.Subject),
		HTML:    msg.HTML,
		Text:    msg.Text,
	}

	resp, body, err := t.post(ctx, payload)
	if err != nil {
		return Result{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, t.statusError(resp.StatusCode, body)
	}

	var decoded struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Result{}, fmt.Errorf("resend: decode response: %w", err)
	}
	return Result{Provider: ProviderResend, MessageID: decoded.ID}, nil
}
