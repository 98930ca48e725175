package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultExpoURL is Expo's push send endpoint.
const DefaultExpoURL = "https://exp.host/--/api/v2/push/send"

// ExpoNotifier sends through Expo's Push API.
type ExpoNotifier struct {
	url         string
	accessToken string
	httpClient  *http.Client
	logger      *zap.Logger
}

type expoMessage struct {
	To       string            `json:"to"`
	Title    string            `json:"title,omitempty"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Sound    string            `json:"sound,omitempty"`
	Badge    *int              `json:"badge,omitempty"`
	Priority string            `json:"priority,omitempty"`
}

type expoResponse struct {
	Data expoTicket `json:"data"`
}

type expoTicket struct {
	Status  string `json:"status"` // "ok" or "error"
	ID      string `json:"id"`
	Message string `json:"message,omitempty"`
	Details struct {
		Error string `json:"error,omitempty"` // "DeviceNotRegistered", "MessageTooBig", ...
	} `json:"details,omitempty"`
}

func NewExpoNotifier(url, accessToken string, timeout time.Duration, logger *zap.Logger) *ExpoNotifier {
	if url == "" {
		url = DefaultExpoURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExpoNotifier{
		url:         url,
		accessToken: accessToken,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      logger,
	}
}

// IsExpoToken reports whether token looks like an Expo push token.
func IsExpoToken(token string) bool {
	return strings.HasPrefix(token, "ExponentPushToken[") || strings.HasPrefix(token, "ExpoPushToken[")
}

func (n *ExpoNotifier) Send(ctx context.Context, msg Message) error {
	if !IsExpoToken(msg.Token) {
		return fmt.Errorf("%w: not an expo token", ErrTokenRejected)
	}

	payload, err := json.Marshal(expoMessage{
		To:       msg.Token,
		Title:    msg.Title,
		Body:     msg.Body,
		Data:     msg.Data,
		Sound:    "default",
		Badge:    msg.Badge,
		Priority: "high",
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if n.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+n.accessToken)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("expo api error: status=%d body=%s", resp.StatusCode, string(body))
	}

	var parsed expoResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("decode expo response: %w", err)
	}
	if parsed.Data.Status != "ok" {
		if parsed.Data.Details.Error == "DeviceNotRegistered" {
			return fmt.Errorf("%w: %s", ErrTokenRejected, parsed.Data.Message)
		}
		return fmt.Errorf("expo ticket error: %s (%s)", parsed.Data.Message, parsed.Data.Details.Error)
	}

	n.logger.Debug("expo message sent", zap.String("ticket_id", parsed.Data.ID))
	return nil
}
