package shared

// DomainError is an error carrying a stable machine-readable code. The
// HTTP layer maps the code to a status and wire-level error code.
type DomainError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *DomainError) Error() string {
	return e.Message
}

// Is matches by code, so errors.Is(err, ErrNotFound) holds for any
// DomainError constructed with the NOT_FOUND code, wrapped or not.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	return ok && t.Code == e.Code
}

// NewDomainError creates a domain error with the given code and message.
func NewDomainError(code, message string) *DomainError {
	return &DomainError{Code: code, Message: message}
}

// Sentinel errors shared across the domain packages.
var (
	ErrNotFound            = NewDomainError("NOT_FOUND", "Resource not found")
	ErrAlreadyExists       = NewDomainError("ALREADY_EXISTS", "Resource already exists")
	ErrInvalidInput        = NewDomainError("INVALID_INPUT", "Invalid input provided")
	ErrConcurrencyConflict = NewDomainError("CONCURRENCY_CONFLICT", "Resource was modified by another process")
	ErrInvalidState        = NewDomainError("INVALID_STATE", "Operation not allowed in current state")

	ErrPlanNotFound          = NewDomainError("PLAN_NOT_FOUND", "Subscription plan not found")
	ErrDuplicateSubscription = NewDomainError("DUPLICATE_SUBSCRIPTION", "Tenant already has a non-cancelled subscription")
	ErrInvoiceNotPayable     = NewDomainError("INVOICE_NOT_PAYABLE", "Invoice is not open or has no amount due")
)
