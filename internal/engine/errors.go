package engine

import (
	"context"
	"errors"
	"os/exec"
	"strings"

	"github.com/pi-ohm/pi-ohm-sub001/internal/task"
)

// ErrorClass categorizes raw backend errors so failures carry useful
// remediation.
type ErrorClass string

const (
	// ErrorClassAuth indicates authentication/authorization failures (401, invalid key).
	ErrorClassAuth ErrorClass = "AUTH"

	// ErrorClassRateLimit indicates rate limiting or quota exhaustion (429).
	ErrorClassRateLimit ErrorClass = "RATE_LIMIT"

	// ErrorClassTimeout indicates request timeout or deadline exceeded.
	ErrorClassTimeout ErrorClass = "TIMEOUT"

	// ErrorClassBilling indicates billing or payment issues.
	ErrorClassBilling ErrorClass = "BILLING"

	// ErrorClassContextOverflow indicates the prompt exceeded the model's context window.
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"

	// ErrorClassProcess indicates a subprocess that could not start or exited non-zero.
	ErrorClassProcess ErrorClass = "PROCESS"

	// ErrorClassUnknown is the default for unrecognized errors.
	ErrorClassUnknown ErrorClass = "UNKNOWN"
)

// ClassifyError inspects an error for known patterns and returns the most
// specific ErrorClass that matches.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) || errors.Is(err, exec.ErrNotFound) {
		return ErrorClassProcess
	}
	msg := strings.ToLower(err.Error())

	// Auth errors: 401, unauthorized, invalid key, forbidden, 403.
	if strings.Contains(msg, "401") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid key") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "403") {
		return ErrorClassAuth
	}

	// Rate limit: 429, rate limit, quota exceeded, too many requests.
	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "too many requests") {
		return ErrorClassRateLimit
	}

	// Timeout: deadline exceeded, timeout, timed out.
	if strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") {
		return ErrorClassTimeout
	}

	// Billing: billing, payment, insufficient funds.
	if strings.Contains(msg, "billing") ||
		strings.Contains(msg, "payment") ||
		strings.Contains(msg, "insufficient funds") {
		return ErrorClassBilling
	}

	// Context overflow: context_length, token limit, max tokens, context window.
	if strings.Contains(msg, "context_length") ||
		strings.Contains(msg, "context length") ||
		strings.Contains(msg, "token limit") ||
		strings.Contains(msg, "max tokens") ||
		strings.Contains(msg, "maximum context") ||
		strings.Contains(msg, "context window") {
		return ErrorClassContextOverflow
	}

	if strings.Contains(msg, "executable file not found") ||
		strings.Contains(msg, "exit status") {
		return ErrorClassProcess
	}

	return ErrorClassUnknown
}

var remediations = map[ErrorClass]string{
	ErrorClassAuth:            "check the provider API key (ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY, MOONSHOT_API_KEY)",
	ErrorClassRateLimit:       "the provider is rate limiting; retry later or lower subagents.max_concurrency",
	ErrorClassBilling:         "the provider rejected the request for billing reasons",
	ErrorClassContextOverflow: "shorten the prompt or pick a model with a larger context window",
	ErrorClassProcess:         "check shell.command and that it is on PATH",
}

// ToTaskError maps any backend error onto a *task.Error with one of the
// execution codes. Errors that already carry a code are kept; a bare
// execution failure gains remediation from its class.
func ToTaskError(ctx context.Context, taskID string, err error) *task.Error {
	if err == nil {
		return nil
	}
	var te *task.Error
	if errors.As(err, &te) {
		if te.Remediation == "" && te.Code == task.CodeBackendFailed {
			cp := *te
			cp.Remediation = remediations[ClassifyError(err)]
			return &cp
		}
		return te
	}

	var out *task.Error
	switch {
	case ctx.Err() != nil:
		out = task.Errorf(task.CodeAborted, "task %s aborted", taskID)
	case ClassifyError(err) == ErrorClassTimeout:
		out = task.Errorf(task.CodeBackendTimeout, "task %s timed out: %v", taskID, err)
	default:
		out = task.Errorf(task.CodeBackendFailed, "task %s failed: %v", taskID, err)
		out.Remediation = remediations[ClassifyError(err)]
	}
	out.TaskID = taskID
	out.Cause = err
	return out
}
