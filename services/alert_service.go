package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// AlertService posts operator alerts to an incoming-webhook URL. The
// payload is Slack compatible: {"text": "..."}.
type AlertService struct {
	client     *resty.Client
	webhookURL string
}

func NewAlertService(webhookURL string) (*AlertService, error) {
	if webhookURL == "" {
		return nil, errors.New("missing alert webhook url")
	}
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetHeader("Content-Type", "application/json")
	return &AlertService{client: client, webhookURL: webhookURL}, nil
}

func (a *AlertService) Alert(ctx context.Context, title, detail string) error {
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"text": fmt.Sprintf(":rotating_light: *%s*\n%s", title, detail)}).
		Post(a.webhookURL)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("post alert: %s: %s", resp.Status(), resp.String())
	}
	return nil
}
