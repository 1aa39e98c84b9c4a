package handler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/berniyo/appstore-lambda/internal/appstore"
)

// ReceiptVerifier defines the subset of the appstore client used by the
// processor.
type ReceiptVerifier interface {
	Verify(ctx context.Context, receiptData string, opts ...appstore.VerifyOption) (*appstore.Response, error)
}

// VerificationEvent represents the payload sent to the Lambda function.
type VerificationEvent struct {
	ReceiptData            string         `json:"receipt_data"`
	Password               string         `json:"password,omitempty"`
	ExcludeOldTransactions bool           `json:"exclude_old_transactions,omitempty"`
	Mode                   string         `json:"mode,omitempty"`
	Metadata               map[string]any `json:"metadata,omitempty"`
}

// VerificationResponse is emitted after a verification attempt completes. For
// invalid receipts it still carries the status and its description instead of
// failing the invocation.
type VerificationResponse struct {
	Valid                 bool              `json:"valid"`
	Status                int64             `json:"status"`
	Description           string            `json:"description,omitempty"`
	Environment           string            `json:"environment,omitempty"`
	ProductID             string            `json:"product_id,omitempty"`
	TransactionID         string            `json:"transaction_id,omitempty"`
	OriginalTransactionID string            `json:"original_transaction_id,omitempty"`
	ExpiresAt             *time.Time        `json:"expires_at,omitempty"`
	LatestReceipt         string            `json:"latest_receipt,omitempty"`
	Receipt               map[string]any    `json:"receipt,omitempty"`
	Message               string            `json:"message,omitempty"`
	Request               VerificationEvent `json:"request"`
}

// CallbackSender delivers verification outcomes to downstream systems.
type CallbackSender interface {
	Send(ctx context.Context, payload VerificationResponse) error
}

// Processor coordinates receipt verification and outcome delivery.
type Processor struct {
	verifier ReceiptVerifier
	logger   *zap.Logger
	callback CallbackSender
}

// Option customizes the processor.
type Option func(*Processor)

// WithLogger lets callers supply a custom logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithCallbackSender wires a callback destination invoked after processing
// concludes.
func WithCallbackSender(sender CallbackSender) Option {
	return func(p *Processor) {
		p.callback = sender
	}
}

// NewProcessor builds a Processor with sane defaults.
func NewProcessor(verifier ReceiptVerifier, opts ...Option) *Processor {
	p := &Processor{
		verifier: verifier,
		logger:   zap.NewNop(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Handle implements the AWS Lambda handler entry point. Invalid receipts
// produce a structured response rather than a handler error; configuration
// and transport failures fail the invocation.
func (p *Processor) Handle(ctx context.Context, event VerificationEvent) (VerificationResponse, error) {
	if err := validateEvent(event); err != nil {
		return VerificationResponse{}, err
	}

	opts, err := verifyOptions(event)
	if err != nil {
		return VerificationResponse{}, err
	}

	p.logger.Info("verifying receipt",
		zap.String("mode", event.Mode),
		zap.Int("receipt_bytes", len(event.ReceiptData)))

	response, err := p.verifier.Verify(ctx, event.ReceiptData, opts...)
	if err != nil {
		var invalid *appstore.InvalidReceiptError
		if errors.As(err, &invalid) {
			resp := VerificationResponse{
				Status:      invalid.Status,
				Description: invalid.Description,
				Message:     "receipt rejected by the verification service",
				Request:     redactEvent(event),
			}
			p.logger.Info("receipt rejected", zap.Int64("status", invalid.Status))
			p.emitCallback(ctx, resp)
			return resp, nil
		}
		return VerificationResponse{}, fmt.Errorf("verification failed: %w", err)
	}

	resp := p.buildResponse(response, event)
	p.logger.Info("receipt verified",
		zap.String("product_id", resp.ProductID),
		zap.String("transaction_id", resp.TransactionID))
	p.emitCallback(ctx, resp)
	return resp, nil
}

// buildResponse extracts the entitlement facts a downstream consumer usually
// needs. Fields absent from this receipt generation are simply left empty.
func (p *Processor) buildResponse(response *appstore.Response, event VerificationEvent) VerificationResponse {
	resp := VerificationResponse{
		Valid:   true,
		Request: redactEvent(event),
	}

	if env, err := response.Field("environment"); err == nil {
		resp.Environment, _ = env.(string)
	}
	if latest, err := response.LatestReceipt(); err == nil {
		resp.LatestReceipt = latest
	}

	receipt, err := response.Receipt()
	if err != nil {
		return resp
	}
	resp.Receipt = receipt.RawDocument()

	last, err := receipt.LastInApp()
	if err != nil {
		return resp
	}
	if id, err := last.ProductID(); err == nil {
		resp.ProductID = id
	}
	if id, err := last.TransactionID(); err == nil {
		resp.TransactionID = id
	}
	if id, err := last.OriginalTransactionID(); err == nil {
		resp.OriginalTransactionID = id
	}
	if expires, err := last.ExpiresDate(); err == nil {
		resp.ExpiresAt = &expires
	}

	return resp
}

func (p *Processor) emitCallback(ctx context.Context, resp VerificationResponse) {
	if p.callback == nil {
		return
	}
	if err := p.callback.Send(ctx, resp); err != nil {
		p.logger.Warn("callback delivery failed", zap.Error(err))
	}
}

func validateEvent(event VerificationEvent) error {
	if event.ReceiptData == "" {
		return errors.New("receipt_data is required")
	}
	return nil
}

func verifyOptions(event VerificationEvent) ([]appstore.VerifyOption, error) {
	var opts []appstore.VerifyOption
	if event.Mode != "" {
		env, err := appstore.EnvironmentFromMode(event.Mode)
		if err != nil {
			return nil, err
		}
		opts = append(opts, appstore.WithVerifyEnvironment(env))
	}
	if event.Password != "" {
		opts = append(opts, appstore.WithPassword(event.Password))
	}
	if event.ExcludeOldTransactions {
		opts = append(opts, appstore.WithExcludeOldTransactions())
	}
	return opts, nil
}

// redactEvent echoes the triggering event without its secrets; the receipt
// blob is large but harmless, the shared secret is not.
func redactEvent(event VerificationEvent) VerificationEvent {
	event.Password = ""
	return event
}
