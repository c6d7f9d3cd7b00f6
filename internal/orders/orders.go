// Package orders is the sample domain driven through the consumer: order
// events keyed by order id and a ledger that applies them.
package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"safeconsume/internal/consume"
)

type Order struct {
	OrderID    string    `json:"order_id"`
	CustomerID string    `json:"customer_id"`
	ProductID  string    `json:"product_id"`
	Amount     float64   `json:"amount"`
	Timestamp  time.Time `json:"timestamp"`
}

// Generate builds count orders with ids unique to this run.
func Generate(count int) []Order {
	customers := []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J"}
	products := []string{"0", "1", "2", "3", "4", "5", "6", "7", "8", "10"}
	orders := make([]Order, 0, count)

	for i := 0; i < count; i++ {
		orders = append(orders, Order{
			OrderID:    "ORD-" + uuid.NewString(),
			CustomerID: customers[rand.Intn(len(customers))],
			ProductID:  products[rand.Intn(len(products))],
			Amount:     10.0 + rand.Float64()*990.0,
			Timestamp:  time.Now().UTC(),
		})
	}

	return orders
}

func (o Order) Encode() ([]byte, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("failed to encode order %s: %w", o.OrderID, err)
	}
	return b, nil
}

func Decode(msg consume.Message) (Order, error) {
	var o Order
	if err := json.Unmarshal(msg.Value, &o); err != nil {
		return Order{}, fmt.Errorf("failed to decode order at %s@%d: %w", msg.PartitionKey(), msg.Offset, err)
	}
	if o.OrderID == "" {
		return Order{}, fmt.Errorf("order at %s@%d has no id", msg.PartitionKey(), msg.Offset)
	}
	return o, nil
}

// Ledger counts how often each order was applied.
type Ledger struct {
	mu      sync.Mutex
	applied map[string]int
	total   float64
}

func NewLedger() *Ledger {
	return &Ledger{applied: make(map[string]int)}
}

func (l *Ledger) Apply(o Order) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.applied[o.OrderID]++
	l.total += o.Amount
}

// Count returns how many times id was applied.
func (l *Ledger) Count(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.applied[id]
}

// Len returns the number of distinct orders applied.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.applied)
}

// Duplicates returns the ids applied more than once.
func (l *Ledger) Duplicates() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var ids []string
	for id, n := range l.applied {
		if n > 1 {
			ids = append(ids, id)
		}
	}
	return ids
}

// Handler applies decoded orders to the ledger. Undecodable payloads are
// fatal: retrying cannot fix them.
type Handler struct {
	ledger *Ledger
	logger *zap.Logger
}

func NewHandler(ledger *Ledger, logger *zap.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger.Named("orders")}
}

func (h *Handler) Handle(_ context.Context, msg consume.Message) error {
	o, err := Decode(msg)
	if err != nil {
		return consume.Fatal(err)
	}

	h.ledger.Apply(o)
	h.logger.Debug("order applied",
		zap.String("orderId", o.OrderID),
		zap.String("customerId", o.CustomerID),
		zap.Float64("amount", o.Amount),
	)

	return nil
}
