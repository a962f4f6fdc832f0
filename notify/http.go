package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HTTPGateway talks to the Node WhatsApp service and to external API endpoints.
type HTTPGateway struct {
	BaseURL string
	Token   string
	Client  *http.Client
	Limiter *rate.Limiter
	Logger  *zap.SugaredLogger
}

func NewHTTPGateway(baseURL, token string, client *http.Client, limiter *rate.Limiter, logger *zap.SugaredLogger) *HTTPGateway {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &HTTPGateway{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  client,
		Limiter: limiter,
		Logger:  logger,
	}
}

type messageRequest struct {
	Numbers []string `json:"numbers,omitempty"`
	Groups  []string `json:"groups,omitempty"`
	Message string   `json:"message,omitempty"`
	Caption string   `json:"caption,omitempty"`
	URL     string   `json:"url,omitempty"`
}

type apiCallRequest struct {
	TaskID      int64     `json:"task_id"`
	TaskName    string    `json:"task_name"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Message     string    `json:"message,omitempty"`
	ImageURL    string    `json:"image_url,omitempty"`
}

type gatewayResponse struct {
	Success *bool  `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (g *HTTPGateway) Send(ctx context.Context, to Recipient, p Payload) error {
	if err := g.Limiter.Wait(ctx); err != nil {
		return err
	}
	switch to.Kind {
	case KindAPI:
		return g.callEndpoint(ctx, to.Endpoint, p)
	case KindMessage:
		return g.sendMessage(ctx, to, p)
	default:
		return Permanent(fmt.Errorf("unknown recipient type %q", to.Kind))
	}
}

func (g *HTTPGateway) sendMessage(ctx context.Context, to Recipient, p Payload) error {
	if g.BaseURL == "" {
		return Permanent(errors.New("gateway base URL is empty"))
	}
	if len(to.Phones) == 0 && len(to.Groups) == 0 {
		return Permanent(errors.New("no recipients"))
	}
	req := messageRequest{Numbers: to.Phones, Groups: to.Groups}
	path := "/send-message"
	if p.ImageURL != "" {
		path = "/send-media"
		req.URL = p.ImageURL
		req.Caption = p.Message
	} else {
		req.Message = p.Message
	}
	return g.post(ctx, g.BaseURL+path, req)
}

func (g *HTTPGateway) callEndpoint(ctx context.Context, endpoint string, p Payload) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return Permanent(errors.New("endpoint is empty"))
	}
	if strings.HasPrefix(endpoint, "/") {
		endpoint = g.BaseURL + endpoint
	}
	return g.post(ctx, endpoint, apiCallRequest{
		TaskID:      p.TaskID,
		TaskName:    p.TaskName,
		ScheduledAt: p.Slot,
		Message:     p.Message,
		ImageURL:    p.ImageURL,
	})
}

func (g *HTTPGateway) post(ctx context.Context, endpoint string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.Token)
	}
	resp, err := g.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		err := fmt.Errorf("%s %s: %s %s", req.Method, endpoint, resp.Status, strings.TrimSpace(string(respBody)))
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return Permanent(err)
		}
		return err
	}
	if len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	var gr gatewayResponse
	if err := json.Unmarshal(respBody, &gr); err != nil {
		// Endpoints that answer with something other than JSON succeeded by status code.
		g.Logger.Debugf("non-json response from %s: %v", endpoint, err)
		return nil
	}
	if gr.Success != nil && !*gr.Success {
		msg := gr.Error
		if msg == "" {
			msg = gr.Message
		}
		return fmt.Errorf("gateway rejected request: %s", msg)
	}
	return nil
}
