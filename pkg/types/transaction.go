package types

type TransactionStatus string

const (
	TransactionStatusPending         TransactionStatus = "pending"
	TransactionStatusAwaitingCapture TransactionStatus = "awaiting_capture"
	TransactionStatusSucceeded       TransactionStatus = "succeeded"
	TransactionStatusCanceled        TransactionStatus = "canceled"
)

// ParseGatewayStatus maps a gateway status string onto the local lifecycle.
// Unknown values are returned verbatim with ok=false.
func ParseGatewayStatus(s string) (TransactionStatus, bool) {
	switch s {
	case "pending":
		return TransactionStatusPending, true
	case "waiting_for_capture", "awaiting_capture":
		return TransactionStatusAwaitingCapture, true
	case "succeeded":
		return TransactionStatusSucceeded, true
	case "canceled", "cancelled":
		return TransactionStatusCanceled, true
	}
	return TransactionStatus(s), false
}

func (s TransactionStatus) IsTerminal() bool {
	return s == TransactionStatusSucceeded || s == TransactionStatusCanceled
}

// Decline reasons reported by the gateway for canceled charges.
const (
	DeclineInsufficientFunds     = "insufficient_funds"
	DeclineCardExpired           = "card_expired"
	DeclinePermissionRevoked     = "permission_revoked"
	DeclineMethodNotAvailable    = "payment_method_not_available"
	DeclinePaymentCreationFailed = "payment_creation_failed"
)
