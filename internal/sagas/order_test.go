package sagas

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sagaops/orchestrator/internal/resilience"
	"github.com/sagaops/orchestrator/internal/saga"
	sagaerrors "github.com/sagaops/orchestrator/pkg/errors"
	"github.com/sagaops/orchestrator/pkg/snowflake"
)

type downstream struct {
	server   *httptest.Server
	requests []string // path 顺序
	keys     []string // 收到的幂等键
}

func newDownstream(t *testing.T, fail map[string]string) *downstream {
	t.Helper()
	d := &downstream{}
	d.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		d.requests = append(d.requests, r.URL.Path)
		if k, ok := body["idempotencyKey"].(string); ok {
			d.keys = append(d.keys, k)
		}

		w.Header().Set("Content-Type", "application/json")
		if code, ok := fail[r.URL.Path]; ok {
			json.NewEncoder(w).Encode(map[string]interface{}{"success": false, "errorCode": code})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success":       true,
			"reservationId": "rsv-1",
			"paymentId":     "pay-1",
			"shipmentId":    "shp-1",
		})
	}))
	t.Cleanup(d.server.Close)
	return d
}

func newOrderOrchestrator(t *testing.T, store *saga.MemoryStore, cfg OrderConfig) *saga.Orchestrator {
	t.Helper()

	idgen, err := snowflake.New(1)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	registry := saga.NewRegistry()
	registry.SetDefaultPolicy(resilience.Policy{
		MaxAttempts: 2,
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
		Timeout:     time.Second,
	})
	if err := registry.Register(OrderFulfillment(cfg)); err != nil {
		t.Fatalf("register: %v", err)
	}
	exec := resilience.NewExecutor(resilience.NewBreakerGroup(resilience.DefaultBreakerConfig), nil, nil)
	return saga.NewOrchestrator(registry, store, exec, idgen, nil, nil)
}

func orderContext() map[string]interface{} {
	return map[string]interface{}{
		"orderId":     "o-1",
		"sku":         "widget",
		"quantity":    2,
		"amountCents": 500,
		"address":     "1 Main St",
	}
}

func TestOrderFulfillmentCompletes(t *testing.T) {
	d := newDownstream(t, nil)
	store := saga.NewMemoryStore()
	o := newOrderOrchestrator(t, store, OrderConfig{
		InventoryURL: d.server.URL,
		PaymentURL:   d.server.URL,
		ShipmentURL:  d.server.URL,
	})

	sagaID, err := o.Start(context.Background(), TypeOrderFulfillment, orderContext())
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	inst, err := o.Get(context.Background(), sagaID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if inst.Status != saga.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", inst.Status)
	}
	for _, key := range []string{"reservationId", "paymentId", "shipmentId"} {
		if _, ok := inst.Context[key]; !ok {
			t.Fatalf("expected %s in saga context, got %+v", key, inst.Context)
		}
	}

	wantPaths := []string{"/internal/reserve", "/internal/charge", "/internal/shipments"}
	if len(d.requests) != len(wantPaths) {
		t.Fatalf("expected %d downstream calls, got %v", len(wantPaths), d.requests)
	}
	for i, p := range wantPaths {
		if d.requests[i] != p {
			t.Fatalf("expected call %d to %s, got %s", i, p, d.requests[i])
		}
	}
	for _, k := range d.keys {
		if !strings.HasPrefix(k, sagaID+":") {
			t.Fatalf("expected idempotency key scoped to saga, got %s", k)
		}
	}

	events, err := store.ListUnpublished(context.Background(), 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var types []string
	for _, e := range events {
		types = append(types, e.EventType)
	}
	want := []string{"InventoryReserved", "PaymentCharged", "ShipmentCreated"}
	if len(types) != len(want) {
		t.Fatalf("expected %v events, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected event %d %s, got %s", i, want[i], types[i])
		}
	}
}

func TestOrderFulfillmentPaymentRejectedCompensates(t *testing.T) {
	d := newDownstream(t, map[string]string{"/internal/charge": "INSUFFICIENT_FUNDS"})
	store := saga.NewMemoryStore()
	o := newOrderOrchestrator(t, store, OrderConfig{
		InventoryURL: d.server.URL,
		PaymentURL:   d.server.URL,
		ShipmentURL:  d.server.URL,
	})

	sagaID, err := o.Start(context.Background(), TypeOrderFulfillment, orderContext())
	if err == nil {
		t.Fatal("expected saga failure surfaced")
	}

	inst, gerr := o.Get(context.Background(), sagaID)
	if gerr != nil {
		t.Fatalf("get: %v", gerr)
	}
	if inst.Status != saga.StatusCompensated {
		t.Fatalf("expected COMPENSATED, got %s", inst.Status)
	}

	var released bool
	for _, p := range d.requests {
		if p == "/internal/release" {
			released = true
		}
		if p == "/internal/shipments" {
			t.Fatal("shipment must not be created after payment rejection")
		}
	}
	if !released {
		t.Fatal("expected inventory released during compensation")
	}
}

func TestServiceClientErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   sagaerrors.Code
	}{
		{name: "server error retryable", status: http.StatusInternalServerError, code: sagaerrors.CodeTransient},
		{name: "bad gateway retryable", status: http.StatusBadGateway, code: sagaerrors.CodeTransient},
		{name: "client error permanent", status: http.StatusNotFound, code: sagaerrors.CodePermanent},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer server.Close()

			c := NewInventoryClient(server.URL)
			_, err := c.Reserve(context.Background(), &ReserveRequest{OrderID: "o-1", SKU: "widget", Quantity: 1})
			if sagaerrors.CodeOf(err) != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
		})
	}
}
