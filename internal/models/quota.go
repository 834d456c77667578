package models

// Admission-gate result codes. Numeric-quota codes are hard blocks; NO_PM
// means the user can fix the problem themselves (add a payment method).
const (
	QuotaCodeAccount = "ACCOUNT_QUOTA"
	QuotaCodeChild   = "CHILD_QUOTA"
	QuotaCodeSession = "SESSION_QUOTA"
	QuotaCodeIP      = "IP_QUOTA"
	QuotaCodeNoPM    = "NO_PM"
)

// QuotaCheckResult is the transient outcome of one admission check. It is
// never persisted; callers cache it for the duration of one execution
// window.
type QuotaCheckResult struct {
	OK      bool   `json:"ok"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
