package gateway

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/shreed27/AgentHub-sub013/pkg/metrics"
)

// webhookSender delivers job-completion callbacks. Delivery is best-effort:
// failures are logged and never affect the job itself.
type webhookSender struct {
	client *http.Client
	secret string
}

func newWebhookSender(secret string) *webhookSender {
	return &webhookSender{
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		secret: secret,
	}
}

// notify POSTs the completion response to the callback URL with an
// HMAC-SHA256 signature over the body.
func (w *webhookSender) notify(url string, resp *ComputeResponse) {
	body, err := json.Marshal(resp)
	if err != nil {
		log.WithField("error", err.Error()).Error("Failed to marshal webhook payload")
		metrics.WebhookDeliveries.WithLabelValues("error").Inc()
		return
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		log.WithFields(log.Fields{
			"url":   url,
			"error": err.Error(),
		}).Error("Failed to create webhook request")
		metrics.WebhookDeliveries.WithLabelValues("error").Inc()
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))
	req.Header.Set("X-Signature", w.sign(body))

	httpResp, err := w.client.Do(req)
	if err != nil {
		log.WithFields(log.Fields{
			"url":    url,
			"job_id": resp.JobID,
			"error":  err.Error(),
		}).Warn("Webhook delivery failed")
		metrics.WebhookDeliveries.WithLabelValues("error").Inc()
		return
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		log.WithFields(log.Fields{
			"url":    url,
			"job_id": resp.JobID,
			"status": httpResp.StatusCode,
		}).Warn("Webhook returned non-success status")
		metrics.WebhookDeliveries.WithLabelValues("error").Inc()
		return
	}

	metrics.WebhookDeliveries.WithLabelValues("ok").Inc()
}

func (w *webhookSender) sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(w.secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
