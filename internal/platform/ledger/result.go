package ledger

import "github.com/shopspring/decimal"

// Code classifies the outcome of a balance operation.
type Code string

const (
	CodeSuccess           Code = "SUCCESS"
	CodeNotReady          Code = "NOT_READY"
	CodeInvalidAmount     Code = "INVALID_AMOUNT"
	CodeUnknownCurrency   Code = "UNKNOWN_CURRENCY"
	CodeCurrencyDisabled  Code = "CURRENCY_DISABLED"
	CodeInsufficientFunds Code = "INSUFFICIENT_FUNDS"
	CodeLimitExceeded     Code = "LIMIT_EXCEEDED"
	CodeCancelled         Code = "CANCELLED"
	CodeConflict          Code = "CONFLICT"
	CodeGenericFailure    Code = "GENERIC_FAILURE"
)

// Result is the outcome of a balance operation. Balance is meaningful only
// when OK reports true.
type Result struct {
	Code    Code
	Balance decimal.Decimal
	Message string
}

func (r Result) OK() bool { return r.Code == CodeSuccess }

func success(balance decimal.Decimal) Result {
	return Result{Code: CodeSuccess, Balance: balance}
}

func failure(code Code, message string) Result {
	return Result{Code: code, Message: message}
}
