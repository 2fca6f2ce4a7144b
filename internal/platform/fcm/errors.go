package fcm

import (
	"context"
	"errors"
	"fmt"

	"firebase.google.com/go/v4/messaging"
)

// Provider error codes used to group failures. The messaging codes mirror the
// FCM v1 API error codes.
const (
	CodeUnregistered     = "UNREGISTERED"
	CodeInvalidArgument  = "INVALID_ARGUMENT"
	CodeSenderIDMismatch = "SENDER_ID_MISMATCH"
	CodeQuotaExceeded    = "QUOTA_EXCEEDED"
	CodeUnavailable      = "UNAVAILABLE"
	CodeInternal         = "INTERNAL"
	CodeThirdPartyAuth   = "THIRD_PARTY_AUTH_ERROR"
	CodeTimeout          = "DEADLINE_EXCEEDED"
	CodeTransport        = "TRANSPORT"
	CodeUnknown          = "UNKNOWN"
)

// ProviderError is a provider failure reported as a bare code, such as a
// per-token reason from topic management.
type ProviderError struct {
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorCode classifies a provider error.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var pe *ProviderError
	switch {
	case errors.As(err, &pe):
		return pe.Code
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case messaging.IsUnregistered(err):
		return CodeUnregistered
	case messaging.IsInvalidArgument(err):
		return CodeInvalidArgument
	case messaging.IsSenderIDMismatch(err):
		return CodeSenderIDMismatch
	case messaging.IsQuotaExceeded(err):
		return CodeQuotaExceeded
	case messaging.IsUnavailable(err):
		return CodeUnavailable
	case messaging.IsInternal(err):
		return CodeInternal
	case messaging.IsThirdPartyAuthError(err):
		return CodeThirdPartyAuth
	default:
		return CodeUnknown
	}
}

// IsRegistrationInvalid reports whether a code means the token will never
// succeed again and its device should be deactivated.
func IsRegistrationInvalid(code string) bool {
	return code == CodeUnregistered
}
