// Package sagas 业务 saga 目录。定义在进程启动时注册到 Registry。
package sagas

import (
	"context"

	"github.com/sagaops/orchestrator/internal/saga"
	sagaerrors "github.com/sagaops/orchestrator/pkg/errors"
)

// TypeOrderFulfillment 订单履约 saga
const TypeOrderFulfillment = "order-fulfillment"

// OrderConfig 订单履约依赖的下游服务地址
type OrderConfig struct {
	InventoryURL string
	PaymentURL   string
	ShipmentURL  string
}

// OrderFulfillment 订单履约：预留库存 → 扣款 → 创建发货单。
// 任一步永久失败时逆序补偿：取消发货单、退款、释放库存。
// 下游请求以 sagaID+步骤名作幂等键，补偿重放安全。
func OrderFulfillment(cfg OrderConfig) saga.Definition {
	inventory := NewInventoryClient(cfg.InventoryURL)
	payment := NewPaymentClient(cfg.PaymentURL)
	shipment := NewShipmentClient(cfg.ShipmentURL)

	return saga.Definition{
		Type: TypeOrderFulfillment,
		Steps: []saga.StepDefinition{
			{
				Name:       "reserve-inventory",
				Dependency: "inventory-service",
				Execute: func(ctx context.Context, sc *saga.StepContext) error {
					resp, err := inventory.Reserve(ctx, &ReserveRequest{
						IdempotencyKey: sc.SagaID() + ":reserve-inventory",
						OrderID:        sc.GetString("orderId"),
						SKU:            sc.GetString("sku"),
						Quantity:       getInt64(sc, "quantity"),
					})
					if err != nil {
						return err
					}
					sc.Put("reservationId", resp.ReservationID)
					return sc.Emit("InventoryReserved", map[string]string{
						"orderId":       sc.GetString("orderId"),
						"reservationId": resp.ReservationID,
					})
				},
				Compensate: func(ctx context.Context, sc *saga.StepContext) error {
					return inventory.Release(ctx, &ReleaseRequest{
						IdempotencyKey: sc.SagaID() + ":release-inventory",
						ReservationID:  sc.GetString("reservationId"),
					})
				},
			},
			{
				Name:       "charge-payment",
				Dependency: "payment-service",
				Execute: func(ctx context.Context, sc *saga.StepContext) error {
					amount := getInt64(sc, "amountCents")
					if amount <= 0 {
						return sagaerrors.New(sagaerrors.CodePermanent, "amountCents must be positive")
					}
					resp, err := payment.Charge(ctx, &ChargeRequest{
						IdempotencyKey: sc.SagaID() + ":charge-payment",
						OrderID:        sc.GetString("orderId"),
						AmountCents:    amount,
					})
					if err != nil {
						return err
					}
					sc.Put("paymentId", resp.PaymentID)
					return sc.Emit("PaymentCharged", map[string]string{
						"orderId":   sc.GetString("orderId"),
						"paymentId": resp.PaymentID,
					})
				},
				Compensate: func(ctx context.Context, sc *saga.StepContext) error {
					return payment.Refund(ctx, &RefundRequest{
						IdempotencyKey: sc.SagaID() + ":refund-payment",
						PaymentID:      sc.GetString("paymentId"),
					})
				},
			},
			{
				Name:       "create-shipment",
				Dependency: "shipment-service",
				Execute: func(ctx context.Context, sc *saga.StepContext) error {
					resp, err := shipment.Create(ctx, &CreateShipmentRequest{
						IdempotencyKey: sc.SagaID() + ":create-shipment",
						OrderID:        sc.GetString("orderId"),
						Address:        sc.GetString("address"),
					})
					if err != nil {
						return err
					}
					sc.Put("shipmentId", resp.ShipmentID)
					return sc.Emit("ShipmentCreated", map[string]string{
						"orderId":    sc.GetString("orderId"),
						"shipmentId": resp.ShipmentID,
					})
				},
				Compensate: func(ctx context.Context, sc *saga.StepContext) error {
					return shipment.Cancel(ctx, &CancelShipmentRequest{
						IdempotencyKey: sc.SagaID() + ":cancel-shipment",
						ShipmentID:     sc.GetString("shipmentId"),
					})
				},
			},
		},
	}
}

// getInt64 上下文数值统一按 int64 读取。JSON 反序列化后的数值是 float64。
func getInt64(sc *saga.StepContext, key string) int64 {
	v, ok := sc.Get(key)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
