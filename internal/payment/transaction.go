// Package payment платежные транзакции заказов и их жизненный цикл.
package payment

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/akriventsev/shopflow/framework/core"
	"github.com/akriventsev/shopflow/framework/fsm"
)

// DefaultGateway шлюз, назначаемый новым транзакциям
const DefaultGateway = "default"

// Status статус транзакции
type Status string

const (
	StatusPending   Status = "pending"
	StatusCaptured  Status = "captured"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// Action результат, пришедший от платежного шлюза
type Action string

const (
	ActionCapture Action = "capture"
	ActionSucceed Action = "succeed"
	ActionFail    Action = "fail"
	ActionRefund  Action = "refund"
)

// Machine допустимые переходы статусов. Из failed и refunded выхода нет.
var Machine = fsm.MustMachine("payment",
	fsm.Transition[Status, Action]{From: StatusPending, Event: ActionCapture, To: StatusCaptured},
	fsm.Transition[Status, Action]{From: StatusPending, Event: ActionSucceed, To: StatusSucceeded},
	fsm.Transition[Status, Action]{From: StatusPending, Event: ActionFail, To: StatusFailed},
	fsm.Transition[Status, Action]{From: StatusCaptured, Event: ActionRefund, To: StatusRefunded},
	fsm.Transition[Status, Action]{From: StatusSucceeded, Event: ActionRefund, To: StatusRefunded},
)

var actionTargets = map[Action]Status{
	ActionCapture: StatusCaptured,
	ActionSucceed: StatusSucceeded,
	ActionFail:    StatusFailed,
	ActionRefund:  StatusRefunded,
}

// Transaction платеж по заказу. На один order_id существует не более одной транзакции.
type Transaction struct {
	core.Entity
	OrderID              uuid.UUID       `json:"order_id"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	Status               Status          `json:"status"`
	Gateway              string          `json:"gateway"`
	GatewayTransactionID string          `json:"gateway_transaction_id,omitempty"`
	FailureReason        *string         `json:"failure_reason,omitempty"`
	Version              int64           `json:"version"`
}

// NewPending создает транзакцию в статусе pending
func NewPending(id string, orderID uuid.UUID, amount decimal.Decimal, currency, gateway string, now time.Time) (*Transaction, error) {
	if id == "" {
		return nil, core.Invariant("payment id is required")
	}
	if orderID == uuid.Nil {
		return nil, core.Invariant("payment order_id is required")
	}
	if amount.IsNegative() {
		return nil, core.Invariant("payment amount must not be negative, got %s", amount)
	}
	if len(currency) != 3 || strings.ToUpper(currency) != currency {
		return nil, core.Invariant("payment currency %q is not a 3-letter code", currency)
	}
	if gateway == "" {
		gateway = DefaultGateway
	}
	return &Transaction{
		Entity:   core.NewEntity(id, now),
		OrderID:  orderID,
		Amount:   amount,
		Currency: currency,
		Status:   StatusPending,
		Gateway:  gateway,
	}, nil
}

// GatewayResult ответ шлюза на create-order/capture/refund
type GatewayResult struct {
	Action               Action
	GatewayTransactionID string
	FailureReason        string
}

// IsTerminal из статуса нет переходов
func (t *Transaction) IsTerminal() bool {
	return Machine.IsTerminal(t.Status)
}

// Can проверяет, допустимо ли действие в текущем статусе
func (t *Transaction) Can(action Action) bool {
	return Machine.Can(t.Status, action)
}

// Apply применяет результат шлюза. Повторный результат, уже отраженный в статусе,
// возвращает false без изменений; недопустимый переход дает BUSINESS_INVARIANT.
func (t *Transaction) Apply(result GatewayResult, now time.Time) (bool, error) {
	target, known := actionTargets[result.Action]
	if !known {
		return false, core.Invariant("unknown gateway action %q", result.Action)
	}
	if t.Status == target && !t.Can(result.Action) {
		return false, nil
	}

	next, err := Machine.Next(t.Status, result.Action)
	if err != nil {
		return false, err
	}

	switch result.Action {
	case ActionCapture, ActionSucceed:
		if result.GatewayTransactionID == "" {
			return false, core.Invariant("%s requires gateway_transaction_id", result.Action)
		}
		t.GatewayTransactionID = result.GatewayTransactionID
	case ActionFail:
		reason := result.FailureReason
		if reason == "" {
			reason = "gateway declined"
		}
		t.FailureReason = &reason
	}

	t.Status = next
	t.Touch(now)
	return true, nil
}

// Clone копия транзакции
func (t *Transaction) Clone() *Transaction {
	cp := *t
	if t.FailureReason != nil {
		reason := *t.FailureReason
		cp.FailureReason = &reason
	}
	return &cp
}
