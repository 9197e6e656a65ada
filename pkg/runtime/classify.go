package runtime

import "strings"

// ErrorCategory classifies a failed tool_effect consistently, independent of
// the free-text reason a tool collaborator reports in ToolOutcome.
type ErrorCategory string

const (
	ErrCatTransient  ErrorCategory = "TRANSIENT"  // retry may succeed
	ErrCatPermanent  ErrorCategory = "PERMANENT"  // will never succeed
	ErrCatPermission ErrorCategory = "PERMISSION" // auth/authz failure at the tool server
	ErrCatRateLimit  ErrorCategory = "RATE_LIMIT" // throttled by the tool server
	ErrCatTimeout    ErrorCategory = "TIMEOUT"    // tool dispatch timed out
	ErrCatValidation ErrorCategory = "VALIDATION" // tool rejected its own arguments
	ErrCatNotFound   ErrorCategory = "NOT_FOUND"  // target resource missing
	ErrCatInternal   ErrorCategory = "INTERNAL"   // unclassified
)

// classifyFailure tags a non-SUCCESS ToolOutcome with a category and
// retryability, purely from its status text — the runtime never inspects
// tool-specific payloads, only the outcome contract spec.md defines. This is
// folded into the FAILED entry's tool_effect artifact data so a recovering
// caller can decide whether re-dispatch is worthwhile without re-deriving the
// classification itself.
func classifyFailure(status string) ErrorCategory {
	s := strings.ToLower(status)
	switch {
	case strings.Contains(s, "timeout"):
		return ErrCatTimeout
	case strings.Contains(s, "rate limit") || strings.Contains(s, "throttl"):
		return ErrCatRateLimit
	case strings.Contains(s, "permission") || strings.Contains(s, "forbidden") || strings.Contains(s, "unauthorized"):
		return ErrCatPermission
	case strings.Contains(s, "not found"):
		return ErrCatNotFound
	case strings.Contains(s, "invalid") || strings.Contains(s, "validation"):
		return ErrCatValidation
	case strings.Contains(s, "temporary") || strings.Contains(s, "retry"):
		return ErrCatTransient
	case status == "" || s == "failure" || s == "failed":
		return ErrCatInternal
	default:
		return ErrCatPermanent
	}
}

func (c ErrorCategory) retryable() bool {
	switch c {
	case ErrCatTransient, ErrCatTimeout, ErrCatRateLimit:
		return true
	default:
		return false
	}
}
