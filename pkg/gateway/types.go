package gateway

import (
	"context"
	"time"

	"github.com/shreed27/AgentHub-sub013/pkg/payment"
)

// ComputeRequest is a paid compute job submission.
type ComputeRequest struct {
	ID           string                 `json:"id"`
	Wallet       string                 `json:"wallet"`
	Service      string                 `json:"service"`
	Payload      map[string]interface{} `json:"payload"`
	Priority     string                 `json:"priority,omitempty"`
	PaymentProof *payment.Proof         `json:"payment_proof,omitempty"`
	CallbackURL  string                 `json:"callback_url,omitempty"`
}

// Usage describes what a completed job actually consumed.
type Usage struct {
	Units      float64 `json:"units"`
	DurationMs int64   `json:"duration_ms"`
}

// ComputeResponse is the submission/completion wire contract.
type ComputeResponse struct {
	ID        string      `json:"id"`
	JobID     string      `json:"job_id,omitempty"`
	Service   string      `json:"service"`
	Status    string      `json:"status"`
	Cost      float64     `json:"cost"`
	Error     string      `json:"error,omitempty"`
	Result    interface{} `json:"result,omitempty"`
	Usage     *Usage      `json:"usage,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// HandlerResult is what a service handler returns on success. Units may be
// zero, in which case the gateway re-estimates from the request payload.
type HandlerResult struct {
	Output interface{}
	Units  float64
}

// Handler executes jobs for one service. Implementations must honor ctx
// cancellation: the gateway abandons handlers that outlive the job timeout.
type Handler interface {
	Execute(ctx context.Context, req *ComputeRequest) (*HandlerResult, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *ComputeRequest) (*HandlerResult, error)

func (f HandlerFunc) Execute(ctx context.Context, req *ComputeRequest) (*HandlerResult, error) {
	return f(ctx, req)
}
