package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/shreed27/AgentHub-sub013/pkg/gateway"
	"github.com/shreed27/AgentHub-sub013/pkg/pricing"
)

// upstreamResult is the response shape expected from backend compute
// services. Units is optional; the gateway re-derives it from the payload
// when absent.
type upstreamResult struct {
	Output interface{} `json:"output"`
	Units  float64     `json:"units"`
}

// newProxyHandler forwards job payloads to an upstream compute service over
// HTTP and maps its JSON response into a handler result.
func newProxyHandler(url string) gateway.HandlerFunc {
	client := &http.Client{Timeout: 5 * time.Minute}

	return func(ctx context.Context, req *gateway.ComputeRequest) (*gateway.HandlerResult, error) {
		body, err := json.Marshal(req.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("X-Job-Service", req.Service)

		resp, err := client.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("upstream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		}

		var result upstreamResult
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, fmt.Errorf("failed to decode upstream response: %w", err)
		}
		return &gateway.HandlerResult{Output: result.Output, Units: result.Units}, nil
	}
}

// registerHandlers binds an upstream proxy to every priced service that has
// an UPSTREAM_<SERVICE>_URL configured. Services without an upstream stay
// unregistered and are rejected at submission.
func registerHandlers(gw *gateway.Gateway, table *pricing.Table, lookup func(string) string) int {
	registered := 0
	for service := range table.Services {
		envKey := "UPSTREAM_" + strings.ToUpper(strings.ReplaceAll(service, "-", "_")) + "_URL"
		url := lookup(envKey)
		if url == "" {
			continue
		}
		if err := gw.RegisterHandler(service, newProxyHandler(url)); err != nil {
			log.WithFields(log.Fields{"service": service, "error": err.Error()}).Warn("Failed to register handler")
			continue
		}
		log.WithFields(log.Fields{"service": service, "upstream": url}).Info("Registered upstream handler")
		registered++
	}
	return registered
}
