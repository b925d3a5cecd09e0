package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"achievement-system/utils"
)

// WebhookNotificationHandler posts award notifications as JSON to an
// external delivery endpoint (the host's notifier collaborator). The payload
// carries everything the presentation layer needs to render the award.
func WebhookNotificationHandler(webhookURL, serviceToken string) NotificationHandler {
	return func(n Notification) error {
		body, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("encoding notification: %w", err)
		}

		req, err := http.NewRequest(http.MethodPost, webhookURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("building notification request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if serviceToken != "" {
			req.Header.Set("X-Service-Token", serviceToken)
		}

		resp, err := utils.HTTPClient.Do(req)
		if err != nil {
			return fmt.Errorf("posting notification: %w", err)
		}
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("notification endpoint returned %d: %s", resp.StatusCode, string(msg))
		}

		log.Printf("🔔 [NOTIFIER] delivered award notification for %s (%s)", n.UserID, n.Achievement.Code)
		return nil
	}
}

// LogNotificationHandler is the fallback handler used when no webhook is
// configured; it only writes the award to the service log.
func LogNotificationHandler() NotificationHandler {
	return func(n Notification) error {
		log.Printf("🎉 [NOTIFIER] %s earned %q (+%d pts): %s",
			n.UserID, n.Achievement.Name, n.Achievement.Points, n.TriggerReason)
		return nil
	}
}
