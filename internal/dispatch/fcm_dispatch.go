package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// TokenSource resolves a user's device push token. Empty means none.
type TokenSource func(ctx context.Context, userID string) (string, error)

// FCMDispatcher posts JSON messages to an FCM HTTP v1 style endpoint.
type FCMDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
	Tokens   TokenSource
}

func NewFCMDispatcher(endpoint, key string, tokens TokenSource) *FCMDispatcher {
	return &FCMDispatcher{Endpoint: endpoint, Key: key, Tokens: tokens, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMDispatcher) Name() string { return "fcm" }

func (f *FCMDispatcher) Send(ctx context.Context, n Notification) error {
	if f.Tokens == nil {
		return ErrSkipped
	}
	token, err := f.Tokens(ctx, n.UserID)
	if err != nil {
		return fmt.Errorf("resolve push token: %w", err)
	}
	if token == "" {
		return ErrSkipped
	}
	data := map[string]string{"type": string(n.Type)}
	for k, v := range n.Payload {
		data[k] = fmt.Sprint(v)
	}
	body := map[string]any{"message": map[string]any{
		"token":        token,
		"notification": map[string]string{"title": n.Title, "body": n.Body},
		"data":         data,
	}}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fcm status %d", resp.StatusCode)
	}
	return nil
}
