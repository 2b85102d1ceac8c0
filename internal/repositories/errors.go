package repositories

import "fmt"

// ErrorCode enumerates persistence failure causes surfaced to services.
type ErrorCode string

const (
	// ErrorUnknown represents an unspecified failure.
	ErrorUnknown ErrorCode = "unknown"
	// ErrorNotFound indicates the requested row does not exist.
	ErrorNotFound ErrorCode = "not_found"
	// ErrorConflict indicates a unique constraint was violated.
	ErrorConflict ErrorCode = "conflict"
	// ErrorInsufficientStock indicates requested quantity exceeds availability.
	ErrorInsufficientStock ErrorCode = "insufficient_stock"
)

// Error wraps low-level persistence failures with machine readable codes.
type Error struct {
	Op      string
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewError constructs a typed repository error.
func NewError(op string, code ErrorCode, message string, err error) *Error {
	if message == "" {
		message = string(code)
	}
	return &Error{Op: op, Code: code, Message: message, Err: err}
}

// StockShortage carries the variant identity and quantities for an
// insufficient-stock failure so callers can name the product in messages.
type StockShortage struct {
	VariantID         string
	SKU               string
	ProductName       string
	VariantAttributes string
	Available         int
	Requested         int
}

// InsufficientStockError reports a reservation that exceeded available stock.
type InsufficientStockError struct {
	Shortage StockShortage
}

// Error implements the error interface.
func (e *InsufficientStockError) Error() string {
	s := e.Shortage
	name := s.ProductName
	if s.VariantAttributes != "" {
		name += " - " + s.VariantAttributes
	}
	return fmt.Sprintf("insufficient stock for %s: available %d, requested %d", name, s.Available, s.Requested)
}
