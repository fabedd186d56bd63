// Package events provides the event-sourced substrate of the trading core:
// the event model, the append-only ledger and the sequencing bus.
// Every state change in the system is an event; the ledger is the single
// source of truth and replaying it reconstructs the trading state.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/nautilus-trade/perpcore/pkg/types"
)

// Kind identifies the event variant. The set is closed; unknown kinds
// encountered during replay are skipped for forward compatibility.
type Kind string

const (
	// System
	KindSystemStarted     Kind = "SystemStarted"
	KindSystemStopped     Kind = "SystemStopped"
	KindShutdownInitiated Kind = "ShutdownInitiated"

	// Universe
	KindUniverseUpdated Kind = "UniverseUpdated"
	KindSymbolFiltered  Kind = "SymbolFiltered"

	// News
	KindNewsIngested   Kind = "NewsIngested"
	KindNewsClassified Kind = "NewsClassified"

	// Signals
	KindSignalComputed      Kind = "SignalComputed"
	KindTradeProposed       Kind = "TradeProposed"
	KindTradeCycleCompleted Kind = "TradeCycleCompleted"

	// Risk
	KindRiskApproved Kind = "RiskApproved"
	KindRiskRejected Kind = "RiskRejected"
	KindEntrySkipped Kind = "EntrySkipped"

	// Orders
	KindOrderPlaced      Kind = "OrderPlaced"
	KindOrderFilled      Kind = "OrderFilled"
	KindOrderPartialFill Kind = "OrderPartialFill"
	KindOrderCancelled   Kind = "OrderCancelled"
	KindOrderExpired     Kind = "OrderExpired"

	// Positions
	KindPositionOpened  Kind = "PositionOpened"
	KindPositionUpdated Kind = "PositionUpdated"
	KindPositionClosed  Kind = "PositionClosed"
	KindStopTriggered   Kind = "StopTriggered"

	// Account
	KindAccountSettingUpdated Kind = "AccountSettingUpdated"
	KindAccountSettingFailed  Kind = "AccountSettingFailed"

	// Alerts
	KindCircuitBreakerTriggered    Kind = "CircuitBreakerTriggered"
	KindManualInterventionDetected Kind = "ManualInterventionDetected"
	KindManualReviewAcknowledged   Kind = "ManualReviewAcknowledged"
	KindTradingPaused              Kind = "TradingPaused"
	KindTradingResumed             Kind = "TradingResumed"

	// Reconciliation / watchdog
	KindReconciliationCompleted  Kind = "ReconciliationCompleted"
	KindProtectiveOrdersVerified Kind = "ProtectiveOrdersVerified"
	KindProtectiveOrdersMissing  Kind = "ProtectiveOrdersMissing"
	KindProtectiveOrdersReplaced Kind = "ProtectiveOrdersReplaced"

	// Funding
	KindFundingUpdate     Kind = "FundingUpdate"
	KindFundingSettlement Kind = "FundingSettlement"
)

// Event is an immutable, sequenced record. Payload holds the kind-specific
// struct (one of the *Payload types below); after replay of a record with
// an unrecognized kind, Payload is a generic map and Unknown is true.
type Event struct {
	EventID   string            `json:"event_id"`
	Kind      Kind              `json:"kind"`
	Timestamp time.Time         `json:"timestamp"`
	Sequence  uint64            `json:"sequence"`
	Payload   any               `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	// Unknown marks a replayed record whose kind is not in the registry.
	Unknown bool `json:"-"`
}

// New constructs an event without a sequence; the bus assigns sequences.
func New(kind Kind, payload any, metadata map[string]string) *Event {
	if metadata == nil {
		metadata = map[string]string{}
	}
	if _, ok := metadata["source"]; !ok {
		metadata["source"] = "core"
	}
	return &Event{
		EventID:   uuid.New().String(),
		Kind:      kind,
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
		Payload:   payload,
		Metadata:  metadata,
	}
}

// SystemStartedPayload announces process start.
type SystemStartedPayload struct {
	Mode    types.RunMode `json:"mode"`
	Version string        `json:"version,omitempty"`
}

// SystemStoppedPayload announces clean shutdown completion.
type SystemStoppedPayload struct {
	Uptime string `json:"uptime,omitempty"`
}

// ShutdownInitiatedPayload carries the reason for a graceful stop.
type ShutdownInitiatedPayload struct {
	Reason string `json:"reason"`
}

// UniverseUpdatedPayload carries the refreshed tradable universe.
type UniverseUpdatedPayload struct {
	Symbols []string `json:"symbols"`
}

// SymbolFilteredPayload records a symbol removed from the universe.
type SymbolFilteredPayload struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
}

// NewsIngestedPayload records a raw news item.
type NewsIngestedPayload struct {
	Symbol   string `json:"symbol,omitempty"`
	Headline string `json:"headline"`
	Source   string `json:"source"`
}

// NewsClassifiedPayload sets or clears the per-symbol risk flag.
type NewsClassifiedPayload struct {
	Symbol    string              `json:"symbol"`
	Level     types.NewsRiskLevel `json:"level"`
	ExpiresAt time.Time           `json:"expiresAt"`
}

// SignalComputedPayload records one signal evaluation.
type SignalComputedPayload struct {
	Symbol  string             `json:"symbol"`
	Score   float64            `json:"score"`
	Signal  string             `json:"signal"`
	Factors map[string]float64 `json:"factors,omitempty"`
}

// TradeProposedPayload wraps a trade proposal from the signal layer.
type TradeProposedPayload struct {
	Proposal types.TradeProposal `json:"proposal"`
}

// CandidateRecord is one ranked candidate inside a trade cycle.
type CandidateRecord struct {
	Symbol         string          `json:"symbol"`
	Side           types.PositionSide `json:"side"`
	CompositeScore float64         `json:"compositeScore"`
	FundingScore   float64         `json:"fundingScore"`
	LiquidityScore float64         `json:"liquidityScore"`
	Rank           int             `json:"rank"`
	Selected       bool            `json:"selected"`
	Rejection      types.ReasonTag `json:"rejection,omitempty"`
	TradeID        string          `json:"tradeId,omitempty"`
}

// TradeCycleCompletedPayload is the single auditable record per strategy
// cycle: every candidate, its rank, and why non-selected ones lost.
type TradeCycleCompletedPayload struct {
	CycleTime  time.Time         `json:"cycleTime"`
	Candidates []CandidateRecord `json:"candidates"`
	Selected   []string          `json:"selected"`
}

// RiskApprovedPayload carries the approved proposal plus adjustments.
type RiskApprovedPayload struct {
	Proposal         types.TradeProposal `json:"proposal"`
	AdjustedQuantity decimal.Decimal     `json:"adjustedQuantity"`
	AdjustedLeverage int                 `json:"adjustedLeverage"`
	Notes            []types.ReasonTag   `json:"notes,omitempty"`
}

// RiskRejectedPayload carries the full accumulated reason list.
type RiskRejectedPayload struct {
	Symbol  string            `json:"symbol"`
	TradeID string            `json:"tradeId,omitempty"`
	Reasons []types.ReasonTag `json:"reasons"`
}

// EntrySkippedPayload records a proposal dropped before risk evaluation.
type EntrySkippedPayload struct {
	Symbol string          `json:"symbol"`
	Reason types.ReasonTag `json:"reason"`
}

// OrderPlacedPayload records an order accepted by the bus. Pending is set
// for entry orders and drives pending-entry installation in the reducer.
type OrderPlacedPayload struct {
	Order   types.Order         `json:"order"`
	Pending *types.PendingEntry `json:"pending,omitempty"`
}

// OrderFilledPayload records a complete fill.
type OrderFilledPayload struct {
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	ReduceOnly    bool            `json:"reduceOnly"`
	TradeID       string          `json:"tradeId,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	FilledAt      time.Time       `json:"filledAt"`
}

// OrderPartialFillPayload records an incremental fill.
type OrderPartialFillPayload struct {
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	CumFilled     decimal.Decimal `json:"cumFilled"`
	ReduceOnly    bool            `json:"reduceOnly"`
	FilledAt      time.Time       `json:"filledAt"`
}

// OrderCancelledPayload records a cancellation.
type OrderCancelledPayload struct {
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Reason        string `json:"reason,omitempty"`
}

// OrderExpiredPayload records an expiry (timeout or terminal placement
// failure).
type OrderExpiredPayload struct {
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Reason        types.ReasonTag `json:"reason,omitempty"`
}

// PositionOpenedPayload carries the newly opened position.
type PositionOpenedPayload struct {
	Position types.Position `json:"position"`
}

// PositionUpdatedPayload carries the updated position snapshot.
type PositionUpdatedPayload struct {
	Position types.Position `json:"position"`
}

// PositionClosedPayload records a close with realized PnL.
type PositionClosedPayload struct {
	Symbol    string          `json:"symbol"`
	TradeID   string          `json:"tradeId"`
	ExitPrice decimal.Decimal `json:"exitPrice"`
	PnL       decimal.Decimal `json:"pnl"`
	Reason    string          `json:"reason,omitempty"`
	ClosedAt  time.Time       `json:"closedAt"`
}

// StopTriggeredPayload records a protective stop firing.
type StopTriggeredPayload struct {
	Symbol        string          `json:"symbol"`
	ClientOrderID string          `json:"clientOrderId"`
	StopPrice     decimal.Decimal `json:"stopPrice"`
}

// AccountSettingUpdatedPayload records an idempotent account setting.
type AccountSettingUpdatedPayload struct {
	Symbol  string `json:"symbol,omitempty"`
	Setting string `json:"setting"`
	Value   string `json:"value"`
}

// AccountSettingFailedPayload records a failed account setting.
type AccountSettingFailedPayload struct {
	Symbol  string `json:"symbol,omitempty"`
	Setting string `json:"setting"`
	Error   string `json:"error"`
}

// CircuitBreakerTriggeredPayload carries the breaker diagnostics.
type CircuitBreakerTriggeredPayload struct {
	Reason            string          `json:"reason"`
	Drawdown          decimal.Decimal `json:"drawdown"`
	ConsecutiveLosses int             `json:"consecutiveLosses"`
	DailyLoss         decimal.Decimal `json:"dailyLoss"`
}

// ManualInterventionDetectedPayload pauses trading pending review.
type ManualInterventionDetectedPayload struct {
	Reason types.ReasonTag `json:"reason"`
	Detail string          `json:"detail,omitempty"`
	Symbol string          `json:"symbol,omitempty"`
}

// ManualReviewAcknowledgedPayload clears the review flag.
type ManualReviewAcknowledgedPayload struct {
	Operator string `json:"operator,omitempty"`
	Note     string `json:"note,omitempty"`
}

// TradingPausedPayload sets an operator cooldown until the given time.
type TradingPausedPayload struct {
	Until    time.Time `json:"until"`
	Operator string    `json:"operator,omitempty"`
	Note     string    `json:"note,omitempty"`
}

// TradingResumedPayload clears the operator cooldown.
type TradingResumedPayload struct {
	Operator string `json:"operator,omitempty"`
	Note     string `json:"note,omitempty"`
}

// ReconciliationCompletedPayload summarizes one reconciliation pass.
type ReconciliationCompletedPayload struct {
	DriftsFound int       `json:"driftsFound"`
	Details     []string  `json:"details,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
}

// ProtectiveOrdersVerifiedPayload confirms protective orders are on book.
type ProtectiveOrdersVerifiedPayload struct {
	Symbol string `json:"symbol"`
}

// ProtectiveOrdersMissingPayload names the missing protective kinds.
type ProtectiveOrdersMissingPayload struct {
	Symbol  string   `json:"symbol"`
	Missing []string `json:"missing"`
}

// ProtectiveOrdersReplacedPayload records a watchdog re-placement.
type ProtectiveOrdersReplacedPayload struct {
	Symbol string `json:"symbol"`
	Kind   string `json:"kind"`
}

// FundingUpdatePayload records a funding-rate observation.
type FundingUpdatePayload struct {
	Symbol          string          `json:"symbol"`
	Rate            decimal.Decimal `json:"rate"`
	NextFundingTime time.Time       `json:"nextFundingTime,omitempty"`
}

// FundingSettlementPayload records a discrete funding cashflow applied to
// a position. Positive Cashflow means the position paid.
type FundingSettlementPayload struct {
	Symbol    string          `json:"symbol"`
	TradeID   string          `json:"tradeId,omitempty"`
	Rate      decimal.Decimal `json:"rate"`
	MarkPrice decimal.Decimal `json:"markPrice"`
	Cashflow  decimal.Decimal `json:"cashflow"`
	SettledAt time.Time       `json:"settledAt"`
}

// payloadRegistry maps kinds to payload constructors for replay decoding.
var payloadRegistry = map[Kind]func() any{
	KindSystemStarted:              func() any { return &SystemStartedPayload{} },
	KindSystemStopped:              func() any { return &SystemStoppedPayload{} },
	KindShutdownInitiated:          func() any { return &ShutdownInitiatedPayload{} },
	KindUniverseUpdated:            func() any { return &UniverseUpdatedPayload{} },
	KindSymbolFiltered:             func() any { return &SymbolFilteredPayload{} },
	KindNewsIngested:               func() any { return &NewsIngestedPayload{} },
	KindNewsClassified:             func() any { return &NewsClassifiedPayload{} },
	KindSignalComputed:             func() any { return &SignalComputedPayload{} },
	KindTradeProposed:              func() any { return &TradeProposedPayload{} },
	KindTradeCycleCompleted:        func() any { return &TradeCycleCompletedPayload{} },
	KindRiskApproved:               func() any { return &RiskApprovedPayload{} },
	KindRiskRejected:               func() any { return &RiskRejectedPayload{} },
	KindEntrySkipped:               func() any { return &EntrySkippedPayload{} },
	KindOrderPlaced:                func() any { return &OrderPlacedPayload{} },
	KindOrderFilled:                func() any { return &OrderFilledPayload{} },
	KindOrderPartialFill:           func() any { return &OrderPartialFillPayload{} },
	KindOrderCancelled:             func() any { return &OrderCancelledPayload{} },
	KindOrderExpired:               func() any { return &OrderExpiredPayload{} },
	KindPositionOpened:             func() any { return &PositionOpenedPayload{} },
	KindPositionUpdated:            func() any { return &PositionUpdatedPayload{} },
	KindPositionClosed:             func() any { return &PositionClosedPayload{} },
	KindStopTriggered:              func() any { return &StopTriggeredPayload{} },
	KindAccountSettingUpdated:      func() any { return &AccountSettingUpdatedPayload{} },
	KindAccountSettingFailed:       func() any { return &AccountSettingFailedPayload{} },
	KindCircuitBreakerTriggered:    func() any { return &CircuitBreakerTriggeredPayload{} },
	KindManualInterventionDetected: func() any { return &ManualInterventionDetectedPayload{} },
	KindManualReviewAcknowledged:   func() any { return &ManualReviewAcknowledgedPayload{} },
	KindTradingPaused:              func() any { return &TradingPausedPayload{} },
	KindTradingResumed:             func() any { return &TradingResumedPayload{} },
	KindReconciliationCompleted:    func() any { return &ReconciliationCompletedPayload{} },
	KindProtectiveOrdersVerified:   func() any { return &ProtectiveOrdersVerifiedPayload{} },
	KindProtectiveOrdersMissing:    func() any { return &ProtectiveOrdersMissingPayload{} },
	KindProtectiveOrdersReplaced:   func() any { return &ProtectiveOrdersReplacedPayload{} },
	KindFundingUpdate:              func() any { return &FundingUpdatePayload{} },
	KindFundingSettlement:          func() any { return &FundingSettlementPayload{} },
}

// envelope is the wire form of an event; the payload stays raw until the
// kind is known.
type envelope struct {
	EventID   string            `json:"event_id"`
	Kind      Kind              `json:"kind"`
	Timestamp time.Time         `json:"timestamp"`
	Sequence  uint64            `json:"sequence"`
	Payload   json.RawMessage   `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Marshal serializes the event to its one-line ledger record.
func (e *Event) Marshal() ([]byte, error) {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for %s: %w", e.Kind, err)
	}
	env := envelope{
		EventID:   e.EventID,
		Kind:      e.Kind,
		Timestamp: e.Timestamp.UTC().Truncate(time.Millisecond),
		Sequence:  e.Sequence,
		Payload:   raw,
		Metadata:  e.Metadata,
	}
	return json.Marshal(env)
}

// Unmarshal parses one ledger record. Unknown kinds decode the payload
// into a generic map and mark the event Unknown rather than failing.
func Unmarshal(data []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	ev := &Event{
		EventID:   env.EventID,
		Kind:      env.Kind,
		Timestamp: env.Timestamp,
		Sequence:  env.Sequence,
		Metadata:  env.Metadata,
	}
	ctor, ok := payloadRegistry[env.Kind]
	if !ok {
		var generic map[string]any
		_ = json.Unmarshal(env.Payload, &generic)
		ev.Payload = generic
		ev.Unknown = true
		return ev, nil
	}
	payload := ctor()
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, payload); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}
	}
	ev.Payload = payload
	return ev, nil
}
