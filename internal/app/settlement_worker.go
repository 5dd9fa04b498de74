package app

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/settlement-service/internal/domain"
)

// Settler executes settlement for one order.
type Settler interface {
	ExecuteSettlement(ctx context.Context, orderID uuid.UUID) error
}

// SettlementWorker consumes settlement tasks from the broker or the local queue.
type SettlementWorker struct {
	settler Settler
	timeout time.Duration
}

func NewSettlementWorker(settler Settler, timeout time.Duration) *SettlementWorker {
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &SettlementWorker{settler: settler, timeout: timeout}
}

// HandleMessage returns false to requeue the delivery. Undecodable tasks are acknowledged
// and dropped; the recovery job still finds the order by its status.
func (w *SettlementWorker) HandleMessage(body []byte) bool {
	var task domain.SettlementTask
	if err := json.Unmarshal(body, &task); err != nil {
		log.Printf("level=warn component=settlement_worker msg=\"failed to unmarshal settlement task\" err=%v", err)
		return true
	}
	if task.OrderID == uuid.Nil {
		log.Printf("level=warn component=settlement_worker msg=\"settlement task without order id\" task=%+v", task)
		return true
	}

	if err := w.Process(context.Background(), task); err != nil {
		log.Printf("level=error component=settlement_worker msg=\"settlement processing error\" order_id=%s reason=%s err=%v", task.OrderID, task.Reason, err)
		return false
	}
	return true
}

// Process runs one task under the worker timeout.
func (w *SettlementWorker) Process(ctx context.Context, task domain.SettlementTask) error {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	return w.settler.ExecuteSettlement(ctx, task.OrderID)
}
