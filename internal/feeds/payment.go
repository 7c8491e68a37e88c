// internal/feeds/payment.go
package feeds

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/eventstream/internal/events"
	"github.com/rovshanmuradov/eventstream/internal/reconcile"
	"github.com/rovshanmuradov/eventstream/internal/stream"
)

const (
	PaymentPending  = "pending"
	PaymentFinished = "finished"
	PaymentFailed   = "failed"
	PaymentExpired  = "expired"

	defaultPaymentAttempts = 3
)

// IsTerminalPaymentStatus reports whether no further updates are expected.
func IsTerminalPaymentStatus(status string) bool {
	switch status {
	case PaymentFinished, PaymentFailed, PaymentExpired:
		return true
	}
	return false
}

// PaymentUpdate is the payload of payment.status_update and payment.final_status.
type PaymentUpdate struct {
	PaymentID string    `json:"payment_id"`
	Status    string    `json:"status"`
	Amount    float64   `json:"amount,omitempty"`
	Currency  string    `json:"currency,omitempty"`
	TxHash    string    `json:"tx_hash,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	Final     bool      `json:"-"`
}

// PaymentState is what a payment feed exposes.
type PaymentState struct {
	ID        string
	Status    string
	Amount    float64
	Currency  string
	TxHash    string
	UpdatedAt time.Time
	Final     bool
	History   []string
}

func clonePayment(s PaymentState) PaymentState {
	s.History = append([]string(nil), s.History...)
	return s
}

// foldPayment accepts updates for this payment only, and nothing after a
// terminal status.
func foldPayment(s PaymentState, u PaymentUpdate) (PaymentState, bool) {
	if u.PaymentID != "" && u.PaymentID != s.ID {
		return s, false
	}
	if s.Final || u.Status == "" {
		return s, false
	}
	next := clonePayment(s)
	next.Status = u.Status
	next.History = append(next.History, u.Status)
	if u.Amount != 0 {
		next.Amount = u.Amount
	}
	if u.Currency != "" {
		next.Currency = u.Currency
	}
	if u.TxHash != "" {
		next.TxHash = u.TxHash
	}
	if !u.UpdatedAt.IsZero() {
		next.UpdatedAt = u.UpdatedAt
	}
	next.Final = u.Final || IsTerminalPaymentStatus(u.Status)
	return next, true
}

// Payment follows the status of a single payment. Once a terminal status is
// seen, reconnecting stops for good.
type Payment struct {
	base
	id       string
	rec      *reconcile.Reconciler[PaymentState, PaymentUpdate]
	terminal atomic.Bool
	// stale is set when the socket drops before a terminal status and cleared
	// by the next update the server pushes.
	stale atomic.Bool
}

// NewPayment creates a payment feed for paymentID.
func NewPayment(env Env, paymentID string) *Payment {
	p := &Payment{id: paymentID}
	p.init(NamePayment, env)
	p.rec = reconcile.New(reconcile.Options[PaymentState, PaymentUpdate]{
		Fold:    foldPayment,
		Clone:   clonePayment,
		Policy:  reconcile.DropPending,
		LogSize: p.env.EventLogSize,
		Logger:  p.logger,
	})
	p.seed()
	p.rec.OnChange(func(reconcile.View[PaymentState, PaymentUpdate]) { p.changed() })
	p.lifecycle = p.onLifecycle
	return p
}

func (p *Payment) seed() {
	p.rec.ApplySnapshot(PaymentState{ID: p.id, Status: PaymentPending}, time.Time{})
}

// Connect opens /api/v1/ws/payment/{id}.
func (p *Payment) Connect() error {
	bo := p.env.backoffFor(NamePayment)
	if bo.MaxAttempts == 0 {
		bo.MaxAttempts = defaultPaymentAttempts
	}
	bo.Terminal = p.terminal.Load

	cfg := stream.Config{
		Key:     NamePayment + ":" + p.id,
		URL:     p.env.wsURL("/api/v1/ws/payment", p.id),
		Backoff: bo,
	}
	return p.open(cfg, func(conn *stream.Connection) {
		p.subscribe(conn, events.PaymentStatusUpdate, func(env events.Envelope) error {
			return p.onUpdate(env, false)
		})
		p.subscribe(conn, events.PaymentFinalStatus, func(env events.Envelope) error {
			return p.onUpdate(env, true)
		})
	})
}

// Disconnect closes the feed.
func (p *Payment) Disconnect() { p.close() }

// Clear forgets every update and returns to the pending state.
func (p *Payment) Clear() {
	p.terminal.Store(false)
	p.stale.Store(false)
	p.rec.Reset()
	p.seed()
}

// State returns the current payment state.
func (p *Payment) State() PaymentState {
	return p.rec.View().State
}

// Status adds staleness: after an unplanned drop the last status is shown as
// last known until the server confirms it again.
func (p *Payment) Status() Status {
	s := p.base.Status()
	s.Stale = p.stale.Load()
	return s
}

func (p *Payment) onLifecycle(ev stream.LifecycleEvent) {
	if ev.State == stream.StateClosed && !ev.Planned && !p.terminal.Load() {
		p.stale.Store(true)
	}
}

// Terminal reports whether a terminal status has been reached.
func (p *Payment) Terminal() bool {
	return p.terminal.Load()
}

func (p *Payment) onUpdate(env events.Envelope, final bool) error {
	var u PaymentUpdate
	if err := env.Decode(&u); err != nil {
		return err
	}
	u.Final = final

	if !p.rec.ApplyDelta(u, env.ReceivedAt) {
		p.logger.Debug("Payment update ignored",
			zap.String("payment_id", u.PaymentID),
			zap.String("status", u.Status))
		return nil
	}
	if p.stale.Swap(false) {
		p.changed()
	}

	if p.rec.View().State.Final && !p.terminal.Swap(true) {
		p.logger.Info("Payment reached terminal status, reconnection disabled",
			zap.String("payment_id", p.id),
			zap.String("status", u.Status))
		if conn := p.connection(); conn != nil {
			conn.HaltRetries()
		}
	}
	return nil
}
