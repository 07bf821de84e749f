package interop

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/thibmeu/daphne/dap"
)

// Kind classifies a harness failure by how the caller must react to it.
type Kind int

const (
	// KindNetwork is a transport-level failure. Retryable.
	KindNetwork Kind = iota + 1

	// KindAuth is a missing or wrong bearer token. Fatal; retrying with the
	// same credentials cannot succeed.
	KindAuth

	// KindRejected is an aggregator refusing the request, usually with a
	// problem document. Fatal; the server's diagnostic is preserved.
	KindRejected

	// KindNotReady is a collection job still pending. Retryable within the
	// poll budget.
	KindNotReady

	// KindDecode is a payload, VDAF-parameter or key mismatch while
	// decoding a result. Fatal.
	KindDecode
)

// Sentinels for errors.Is matching. Every *Error matches the sentinel of
// its kind.
var (
	ErrNetwork  = errors.New("network failure")
	ErrAuth     = errors.New("authentication rejected")
	ErrRejected = errors.New("request rejected")
	ErrNotReady = errors.New("not ready yet")
	ErrDecode   = errors.New("decode failure")

	// ErrPollBudgetExhausted marks a wait that ran out of poll attempts
	// while the job stayed pending. It is distinct from a failed job: the
	// job may still complete if something triggers more aggregation.
	ErrPollBudgetExhausted = errors.New("poll budget exhausted")
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindRejected:
		return "rejected"
	case KindNotReady:
		return "not-ready"
	case KindDecode:
		return "decode"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Retryable reports whether another attempt can change the outcome.
func (k Kind) Retryable() bool {
	return k == KindNetwork || k == KindNotReady
}

func (k Kind) sentinel() error {
	switch k {
	case KindNetwork:
		return ErrNetwork
	case KindAuth:
		return ErrAuth
	case KindRejected:
		return ErrRejected
	case KindNotReady:
		return ErrNotReady
	case KindDecode:
		return ErrDecode
	default:
		return nil
	}
}

// Error is one classified harness failure, carrying enough context (step,
// URL, status, server problem document) to diagnose the run by hand.
type Error struct {
	Kind    Kind
	Step    string
	URL     string
	Status  int
	Problem *dap.Problem
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Step, e.Kind)
	if e.URL != "" {
		msg += " (" + e.URL + ")"
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(": status %d", e.Status)
	}
	switch {
	case e.Problem != nil:
		msg += ": " + e.Problem.Error()
	case e.Err != nil:
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the wrapped cause: the server's problem document when there
// is one, otherwise the underlying error.
func (e *Error) Unwrap() error {
	if e.Problem != nil {
		return e.Problem
	}
	return e.Err
}

// Is matches the kind sentinels, so errors.Is(err, ErrAuth) works across
// wrapping.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, k Kind) bool {
	var he *Error
	return errors.As(err, &he) && he.Kind == k
}

// networkErr classifies a transport failure.
func networkErr(step, url string, err error) *Error {
	return &Error{Kind: KindNetwork, Step: step, URL: url, Err: err}
}

// decodeErr classifies a result-decoding failure.
func decodeErr(step, url string, err error) *Error {
	return &Error{Kind: KindDecode, Step: step, URL: url, Err: err}
}

// classifyResponse maps a non-successful HTTP response onto the taxonomy.
// okStatus is an extra acceptable status beyond plain 2xx (the collect
// creation's 303). It returns nil for accepted responses.
func classifyResponse(step string, resp *http.Response, body []byte, okStatus int) *Error {
	status := resp.StatusCode
	if status >= 200 && status < 300 && status != http.StatusAccepted {
		return nil
	}
	if okStatus != 0 && status == okStatus {
		return nil
	}

	url := resp.Request.URL.String()
	problem := dap.ParseProblem(resp.Header.Get("Content-Type"), body)

	var kind Kind
	switch {
	case status == http.StatusAccepted:
		kind = KindNotReady
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuth
	case problem != nil && problem.IsType(dap.ErrorUnauthorizedRequest):
		kind = KindAuth
	default:
		kind = KindRejected
	}
	return &Error{Kind: kind, Step: step, URL: url, Status: status, Problem: problem}
}

// classifyClientErr maps an error from the upload client, which reports
// rejections as wrapped problem documents and everything else as transport
// failures.
func classifyClientErr(step string, err error) *Error {
	var problem *dap.Problem
	if errors.As(err, &problem) {
		kind := KindRejected
		if problem.IsType(dap.ErrorUnauthorizedRequest) {
			kind = KindAuth
		}
		return &Error{Kind: kind, Step: step, Status: problem.Status, Problem: problem, Err: err}
	}
	return &Error{Kind: KindNetwork, Step: step, Err: err}
}
