package redemption

import "time"

// Kind classifies a redemption outcome. Only transport and persistence failures are also
// returned as errors; every other kind is an ordinary result.
type Kind string

const (
	KindOK               Kind = "ok"
	KindRejected         Kind = "rejected"
	KindValidation       Kind = "validation"
	KindNotFound         Kind = "not_found"
	KindStateConflict    Kind = "state_conflict"
	KindAPIError         Kind = "api_error"
	KindTransportError   Kind = "transport_error"
	KindPersistenceError Kind = "persistence_error"
)

type Reason string

const (
	ReasonInvalidCode      Reason = "invalid_code"
	ReasonNotFound         Reason = "not_found"
	ReasonStateMismatch    Reason = "state_mismatch"
	ReasonAlreadyVerified  Reason = "already_verified"
	ReasonCodeMismatch     Reason = "code_mismatch"
	ReasonUpstreamRejected Reason = "upstream_rejected"
	ReasonUpstreamError    Reason = "upstream_error"
	ReasonTransport        Reason = "transport"
	ReasonPersistence      Reason = "persistence"
)

type Result struct {
	Success    bool       `json:"success"`
	Kind       Kind       `json:"kind"`
	Reason     Reason     `json:"reason,omitempty"`
	Message    string     `json:"message"`
	OrderSN    string     `json:"order_sn"`
	VerifiedAt *time.Time `json:"verification_time,omitempty"`
}

func failure(orderSN string, kind Kind, reason Reason, message string) Result {
	return Result{Kind: kind, Reason: reason, Message: message, OrderSN: orderSN}
}

type Entry struct {
	OrderSN          string `json:"order_sn"`
	VerificationCode string `json:"verification_code"`
}

type BatchResult struct {
	BatchID string   `json:"batch_id"`
	Total   int      `json:"total"`
	Success int      `json:"success"`
	Failed  int      `json:"failed"`
	Results []Result `json:"results"`
}

type AutoReport struct {
	RunID     string `json:"run_id"`
	Scanned   int    `json:"scanned"`
	Verified  int    `json:"verified"`
	Failed    int    `json:"failed"`
	Errors    int    `json:"errors"`
	Fallbacks int    `json:"fallbacks"`
}
