package sagas

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	sagaerrors "github.com/sagaops/orchestrator/pkg/errors"
	"github.com/sagaops/orchestrator/pkg/tracing"
)

// serviceClient 下游服务 HTTP 客户端公共部分
type serviceClient struct {
	baseURL string
	client  *http.Client
}

func newServiceClient(baseURL string) serviceClient {
	return serviceClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// post 发送 JSON 请求。5xx 视为瞬时失败可重试，其余非 200 为永久失败。
func (c *serviceClient) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectHTTP(ctx, req)

	resp, err := c.client.Do(req)
	if err != nil {
		return sagaerrors.Wrap(sagaerrors.CodeTransient, "do request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return sagaerrors.Newf(sagaerrors.CodeTransient, "%s: status code %d", path, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return sagaerrors.Newf(sagaerrors.CodePermanent, "%s: status code %d", path, resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// InventoryClient 库存服务
type InventoryClient struct {
	serviceClient
}

func NewInventoryClient(baseURL string) *InventoryClient {
	return &InventoryClient{serviceClient: newServiceClient(baseURL)}
}

type ReserveRequest struct {
	IdempotencyKey string `json:"idempotencyKey"`
	OrderID        string `json:"orderId"`
	SKU            string `json:"sku"`
	Quantity       int64  `json:"quantity"`
}

type ReserveResponse struct {
	Success       bool   `json:"success"`
	ErrorCode     string `json:"errorCode"`
	ReservationID string `json:"reservationId"`
}

func (c *InventoryClient) Reserve(ctx context.Context, req *ReserveRequest) (*ReserveResponse, error) {
	var resp ReserveResponse
	if err := c.post(ctx, "/internal/reserve", req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, sagaerrors.Newf(sagaerrors.CodePermanent, "reserve rejected: %s", resp.ErrorCode)
	}
	return &resp, nil
}

type ReleaseRequest struct {
	IdempotencyKey string `json:"idempotencyKey"`
	ReservationID  string `json:"reservationId"`
}

func (c *InventoryClient) Release(ctx context.Context, req *ReleaseRequest) error {
	var resp struct {
		Success   bool   `json:"success"`
		ErrorCode string `json:"errorCode"`
	}
	if err := c.post(ctx, "/internal/release", req, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return sagaerrors.Newf(sagaerrors.CodePermanent, "release rejected: %s", resp.ErrorCode)
	}
	return nil
}

// PaymentClient 支付服务
type PaymentClient struct {
	serviceClient
}

func NewPaymentClient(baseURL string) *PaymentClient {
	return &PaymentClient{serviceClient: newServiceClient(baseURL)}
}

type ChargeRequest struct {
	IdempotencyKey string `json:"idempotencyKey"`
	OrderID        string `json:"orderId"`
	AmountCents    int64  `json:"amountCents"`
}

type ChargeResponse struct {
	Success   bool   `json:"success"`
	ErrorCode string `json:"errorCode"`
	PaymentID string `json:"paymentId"`
}

func (c *PaymentClient) Charge(ctx context.Context, req *ChargeRequest) (*ChargeResponse, error) {
	var resp ChargeResponse
	if err := c.post(ctx, "/internal/charge", req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, sagaerrors.Newf(sagaerrors.CodePermanent, "charge rejected: %s", resp.ErrorCode)
	}
	return &resp, nil
}

type RefundRequest struct {
	IdempotencyKey string `json:"idempotencyKey"`
	PaymentID      string `json:"paymentId"`
}

func (c *PaymentClient) Refund(ctx context.Context, req *RefundRequest) error {
	var resp struct {
		Success   bool   `json:"success"`
		ErrorCode string `json:"errorCode"`
	}
	if err := c.post(ctx, "/internal/refund", req, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return sagaerrors.Newf(sagaerrors.CodePermanent, "refund rejected: %s", resp.ErrorCode)
	}
	return nil
}

// ShipmentClient 履约服务
type ShipmentClient struct {
	serviceClient
}

func NewShipmentClient(baseURL string) *ShipmentClient {
	return &ShipmentClient{serviceClient: newServiceClient(baseURL)}
}

type CreateShipmentRequest struct {
	IdempotencyKey string `json:"idempotencyKey"`
	OrderID        string `json:"orderId"`
	Address        string `json:"address"`
}

type CreateShipmentResponse struct {
	Success    bool   `json:"success"`
	ErrorCode  string `json:"errorCode"`
	ShipmentID string `json:"shipmentId"`
}

func (c *ShipmentClient) Create(ctx context.Context, req *CreateShipmentRequest) (*CreateShipmentResponse, error) {
	var resp CreateShipmentResponse
	if err := c.post(ctx, "/internal/shipments", req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, sagaerrors.Newf(sagaerrors.CodePermanent, "create shipment rejected: %s", resp.ErrorCode)
	}
	return &resp, nil
}

type CancelShipmentRequest struct {
	IdempotencyKey string `json:"idempotencyKey"`
	ShipmentID     string `json:"shipmentId"`
}

func (c *ShipmentClient) Cancel(ctx context.Context, req *CancelShipmentRequest) error {
	var resp struct {
		Success   bool   `json:"success"`
		ErrorCode string `json:"errorCode"`
	}
	if err := c.post(ctx, "/internal/shipments/cancel", req, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return sagaerrors.Newf(sagaerrors.CodePermanent, "cancel shipment rejected: %s", resp.ErrorCode)
	}
	return nil
}
