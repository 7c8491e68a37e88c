// internal/feeds/kyt.go
package feeds

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/eventstream/internal/events"
	"github.com/rovshanmuradov/eventstream/internal/reconcile"
	"github.com/rovshanmuradov/eventstream/internal/stream"
)

const kytAlertLogSize = 100

// KYTResult is the payload of kyt.result.
type KYTResult struct {
	Chain      string    `json:"chain"`
	Address    string    `json:"address"`
	RiskScore  float64   `json:"risk_score"`
	RiskLevel  string    `json:"risk_level"`
	Categories []string  `json:"categories,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

// KYTAlert is the payload of kyt.alert.
type KYTAlert struct {
	ID        string    `json:"id"`
	Chain     string    `json:"chain"`
	Address   string    `json:"address"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	RiskScore float64   `json:"risk_score"`
	Timestamp time.Time `json:"timestamp"`
}

// KYTState is what a KYT feed exposes.
type KYTState struct {
	Watched []Address
	// Results is keyed by Address.Key().
	Results map[string]KYTResult
	Alerts  []KYTAlert
	// Err and RetryAfter come from kyt.error, not from the transport.
	Err        string
	RetryAfter time.Duration
}

type kytSubscribe struct {
	Action    string    `json:"action"`
	Addresses []Address `json:"addresses"`
}

// KYT streams risk results and alerts for a set of watched addresses.
type KYT struct {
	base

	smu        sync.Mutex
	watched    map[string]Address
	results    map[string]KYTResult
	alerts     *reconcile.Ring[KYTAlert]
	appErr     string
	retryAfter time.Duration
}

// NewKYT creates a KYT feed. Invalid addresses are skipped with a warning.
func NewKYT(env Env, addresses ...Address) *KYT {
	k := &KYT{
		watched: make(map[string]Address),
		results: make(map[string]KYTResult),
		alerts:  reconcile.NewRing[KYTAlert](kytAlertLogSize),
	}
	k.init(NameKYT, env)
	for _, a := range addresses {
		if err := k.addWatched(a); err != nil {
			k.logger.Warn("Skipping address", zap.String("address", a.Address), zap.Error(err))
		}
	}
	return k
}

func (k *KYT) addWatched(a Address) error {
	c, err := a.Canonical()
	if err != nil {
		return err
	}
	k.smu.Lock()
	k.watched[c.Key()] = c
	k.smu.Unlock()
	return nil
}

func (k *KYT) watchedList() []Address {
	k.smu.Lock()
	defer k.smu.Unlock()
	out := make([]Address, 0, len(k.watched))
	for _, a := range k.watched {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func (k *KYT) subscribeMessage() interface{} {
	addrs := k.watchedList()
	if len(addrs) == 0 {
		return nil
	}
	return kytSubscribe{Action: "subscribe", Addresses: addrs}
}

// Connect opens /api/v1/ws/kyt and subscribes to the watched addresses on
// every open.
func (k *KYT) Connect() error {
	cfg := stream.Config{
		Key:       NameKYT,
		URL:       k.env.wsURL("/api/v1/ws/kyt"),
		Backoff:   k.env.backoffFor(NameKYT),
		Subscribe: k.subscribeMessage,
	}
	return k.open(cfg, func(conn *stream.Connection) {
		k.subscribe(conn, events.KYTResult, k.onResult)
		k.subscribe(conn, events.KYTAlert, k.onAlert)
		k.subscribe(conn, events.KYTError, k.onError)
	})
}

// Watch adds addresses. When connected, the subscription is refreshed right
// away; otherwise it goes out with the next open.
func (k *KYT) Watch(addresses ...Address) error {
	for _, a := range addresses {
		if err := k.addWatched(a); err != nil {
			return err
		}
	}
	k.changed()

	conn := k.connection()
	if conn == nil || conn.State() != stream.StateOpen {
		return nil
	}
	if !conn.Send(k.subscribeMessage()) {
		return ErrNotConnected
	}
	return nil
}

// Disconnect closes the feed.
func (k *KYT) Disconnect() { k.close() }

// Clear drops results, alerts and the last application error. The watch list is kept.
func (k *KYT) Clear() {
	k.smu.Lock()
	k.results = make(map[string]KYTResult)
	k.alerts.Clear()
	k.appErr = ""
	k.retryAfter = 0
	k.smu.Unlock()
	k.changed()
}

// State returns a copy of the current state.
func (k *KYT) State() KYTState {
	watched := k.watchedList()

	k.smu.Lock()
	defer k.smu.Unlock()
	results := make(map[string]KYTResult, len(k.results))
	for key, r := range k.results {
		results[key] = r
	}
	return KYTState{
		Watched:    watched,
		Results:    results,
		Alerts:     k.alerts.Items(),
		Err:        k.appErr,
		RetryAfter: k.retryAfter,
	}
}

func (k *KYT) onResult(env events.Envelope) error {
	var r KYTResult
	if err := env.Decode(&r); err != nil {
		return err
	}
	key := Address{Chain: r.Chain, Address: r.Address}.Key()

	k.smu.Lock()
	k.results[key] = r
	k.appErr = ""
	k.retryAfter = 0
	k.smu.Unlock()

	k.changed()
	return nil
}

func (k *KYT) onAlert(env events.Envelope) error {
	var a KYTAlert
	if err := env.Decode(&a); err != nil {
		return err
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = env.ReceivedAt
	}
	k.alerts.Add(a)

	k.logger.Info("KYT alert",
		zap.String("address", a.Address),
		zap.String("severity", a.Severity))
	k.changed()
	return nil
}

func (k *KYT) onError(env events.Envelope) error {
	var p struct {
		Error      string  `json:"error"`
		RetryAfter float64 `json:"retry_after"`
	}
	if err := env.Decode(&p); err != nil {
		return err
	}

	k.smu.Lock()
	k.appErr = p.Error
	k.retryAfter = time.Duration(p.RetryAfter * float64(time.Second))
	k.smu.Unlock()

	k.logger.Warn("KYT error", zap.String("error", p.Error), zap.Float64("retry_after_s", p.RetryAfter))
	k.changed()
	return nil
}
