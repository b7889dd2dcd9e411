package llm

import (
	"net/http"
	"strings"
	"time"
)

// action is what the orchestrator does after a failed attempt.
type action int

const (
	actionRetry action = iota
	actionDowngrade
	actionNextModel
	actionFatal
)

func (a action) String() string {
	switch a {
	case actionRetry:
		return "retry"
	case actionDowngrade:
		return "downgrade"
	case actionNextModel:
		return "next_model"
	default:
		return "fatal"
	}
}

// decision carries the chosen action plus its parameters: sleep before a
// retry, the looser mode for a downgrade, and whether the secondary routing
// parameter should flip on the next attempt.
type decision struct {
	action    action
	sleep     time.Duration
	mode      FormatMode
	alternate bool
	reason    string
}

// classifier turns one failed attempt into a decision. retries counts the
// time-based retries already spent on the current model; allowed is the
// budget for that model.
type classifier struct {
	policy BackoffPolicy
}

// status classifies a non-2xx answer or an error envelope.
func (cl classifier) status(code int, body string, retryAfter time.Duration, mode FormatMode, retries, allowed int) decision {
	switch {
	case code == http.StatusNotFound || bodyMissingEndpoint(body):
		return cl.stepDownOrNext(mode, "no endpoint for model")
	case code == http.StatusTooManyRequests:
		if retries >= allowed {
			return decision{action: actionNextModel, reason: "rate limited"}
		}
		sleep := cl.policy.Delay(retries)
		if retryAfter > sleep {
			sleep = retryAfter
		}
		return decision{action: actionRetry, sleep: sleep, reason: "rate limited"}
	case code >= 500:
		if retries >= allowed {
			return decision{action: actionNextModel, reason: "upstream error"}
		}
		return decision{action: actionRetry, sleep: cl.policy.Delay(retries), alternate: true, reason: "upstream error"}
	case code >= 400:
		if mode.Structured() && bodyRejectsStructured(body) {
			return cl.stepDownOrNext(mode, "structured output rejected")
		}
		return decision{action: actionFatal, reason: "client error"}
	default:
		// Unexpected non-error status; treat like a flaky upstream.
		if retries >= allowed {
			return decision{action: actionNextModel, reason: "unexpected status"}
		}
		return decision{action: actionRetry, sleep: cl.policy.Delay(retries), reason: "unexpected status"}
	}
}

// transport classifies connection failures, attempt timeouts and undecodable
// success bodies. Caller cancellation never reaches here.
func (cl classifier) transport(retries, allowed int) decision {
	if retries >= allowed {
		return decision{action: actionNextModel, reason: "transport failure"}
	}
	return decision{action: actionRetry, sleep: cl.policy.Delay(retries), reason: "transport failure"}
}

// truncation classifies a 200 whose completion was cut off: loosen the
// format first, then spend time-based retries, then move on.
func (cl classifier) truncation(mode FormatMode, retries, allowed int) decision {
	if next, ok := mode.Downgrade(); ok {
		return decision{action: actionDowngrade, mode: next, reason: "completion truncated"}
	}
	if retries >= allowed {
		return decision{action: actionNextModel, reason: "completion truncated"}
	}
	return decision{action: actionRetry, sleep: cl.policy.Delay(retries), reason: "completion truncated"}
}

// stepDownOrNext walks the schema -> json_object -> none ladder on the same
// model and abandons the model only once none has failed too.
func (cl classifier) stepDownOrNext(mode FormatMode, reason string) decision {
	if next, ok := mode.Downgrade(); ok {
		return decision{action: actionDowngrade, mode: next, reason: reason}
	}
	return decision{action: actionNextModel, reason: reason}
}

func bodyMissingEndpoint(body string) bool {
	b := strings.ToLower(body)
	return strings.Contains(b, "no endpoints found") ||
		strings.Contains(b, "no allowed providers") ||
		strings.Contains(b, "model not found") ||
		strings.Contains(b, "is not a valid model")
}

func bodyRejectsStructured(body string) bool {
	b := strings.ToLower(body)
	if !strings.Contains(b, "response_format") &&
		!strings.Contains(b, "json_schema") &&
		!strings.Contains(b, "structured output") {
		return false
	}
	return strings.Contains(b, "support") ||
		strings.Contains(b, "unavailable") ||
		strings.Contains(b, "invalid")
}
