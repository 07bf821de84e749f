package dap

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// DAP error URNs. Aggregators report request failures as RFC 7807 problem
// documents whose type is one of these; clients branch on the suffix rather
// than the HTTP status code alone.
const (
	problemURNPrefix = "urn:ietf:params:ppm:dap:error:"

	ErrorUnrecognizedTask           = problemURNPrefix + "unrecognizedTask"
	ErrorUnrecognizedAggregationJob = problemURNPrefix + "unrecognizedAggregationJob"
	ErrorOutdatedConfig             = problemURNPrefix + "outdatedConfig"
	ErrorReportRejected             = problemURNPrefix + "reportRejected"
	ErrorReplayedReport             = problemURNPrefix + "replayedReport"
	ErrorInvalidMessage             = problemURNPrefix + "invalidMessage"
	ErrorUnauthorizedRequest        = problemURNPrefix + "unauthorizedRequest"
	ErrorBatchInvalid               = problemURNPrefix + "batchInvalid"
	ErrorBatchMismatch              = problemURNPrefix + "batchMismatch"
	ErrorInvalidBatchSize           = problemURNPrefix + "invalidBatchSize"
)

// Problem is an RFC 7807 problem document with the DAP extension member for
// the task the request touched.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title,omitempty"`
	Status   int    `json:"status,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TaskID   string `json:"taskid,omitempty"`
}

// Error renders the document for logs and wrapped errors.
func (p *Problem) Error() string {
	kind := p.Type
	if s := strings.TrimPrefix(p.Type, problemURNPrefix); s != p.Type {
		kind = s
	}
	if p.Detail != "" {
		return fmt.Sprintf("%s: %s", kind, p.Detail)
	}
	if p.Title != "" {
		return fmt.Sprintf("%s: %s", kind, p.Title)
	}
	return kind
}

// IsType reports whether the document names the given error URN.
func (p *Problem) IsType(urn string) bool {
	return p != nil && p.Type == urn
}

// ParseProblem decodes a problem document from a response body. It returns
// nil when the body is not a problem document; callers fall back to the
// status code.
func ParseProblem(contentType string, body []byte) *Problem {
	if mt, _, _ := strings.Cut(contentType, ";"); strings.TrimSpace(mt) != MediaTypeProblem {
		return nil
	}
	var p Problem
	if err := json.Unmarshal(body, &p); err != nil || p.Type == "" {
		return nil
	}
	return &p
}

// NewProblem builds a document for the given URN with a human-readable
// detail string.
func NewProblem(urn string, status int, detail string) *Problem {
	title := strings.TrimPrefix(urn, problemURNPrefix)
	return &Problem{
		Type:   urn,
		Title:  title,
		Status: status,
		Detail: detail,
	}
}

// WriteProblem sends the document as the response with its status code.
func WriteProblem(w http.ResponseWriter, p *Problem) {
	w.Header().Set("Content-Type", MediaTypeProblem)
	status := p.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}
