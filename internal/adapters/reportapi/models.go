package reportapi

import (
	"encoding/json"
	"net/http"
)

// Operation is one sub request inside a batch call
type Operation struct {
	Method      string `json:"method"`
	RelativeURL string `json:"relative_url"`
	Body        string `json:"body,omitempty"`
}

// Response is the per operation result of a batch call, in request order
type Response struct {
	Code    int
	Body    []byte
	Headers http.Header
}

// OK reports whether the sub request succeeded
func (r Response) OK() bool { return r.Code == http.StatusOK }

// wireHeader is a single header entry inside a batch response element
type wireHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// wireResponse is one element of the batch response array. Elements may be null
// when the provider timed out the sub request
type wireResponse struct {
	Code    int          `json:"code"`
	Headers []wireHeader `json:"headers"`
	Body    string       `json:"body"`
}

func (w *wireResponse) toResponse() Response {
	if w == nil {
		return Response{Code: http.StatusGatewayTimeout, Headers: http.Header{}}
	}
	h := make(http.Header, len(w.Headers))
	for _, kv := range w.Headers {
		h.Add(kv.Name, kv.Value)
	}
	return Response{Code: w.Code, Body: []byte(w.Body), Headers: h}
}

// APIErrorBody is the error envelope the provider returns for failed calls
type APIErrorBody struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
	} `json:"error"`
}

// ErrorCode extracts error.code from a provider error body, or zero
func ErrorCode(body []byte) int {
	if len(body) == 0 {
		return 0
	}
	var e APIErrorBody
	if err := json.Unmarshal(body, &e); err != nil {
		return 0
	}
	return e.Error.Code
}

// ReportRun is the body returned when an async report job is queued
type ReportRun struct {
	ReportRunID string `json:"report_run_id"`
}

// Job status values reported by the provider
const (
	StatusNotStarted = "Job Not Started"
	StatusStarted    = "Job Started"
	StatusRunning    = "Job Running"
	StatusCompleted  = "Job Completed"
	StatusFailed     = "Job Failed"
	StatusSkipped    = "Job Skipped"
)

// JobStatus is the body returned by a status check on a run id
type JobStatus struct {
	ID                     string `json:"id"`
	AsyncStatus            string `json:"async_status"`
	AsyncPercentCompletion int    `json:"async_percent_completion"`
}

// Page is one page of a paginated result set
type Page struct {
	Data   []json.RawMessage `json:"data"`
	Paging struct {
		Cursors struct {
			Before string `json:"before"`
			After  string `json:"after"`
		} `json:"cursors"`
		Next string `json:"next"`
	} `json:"paging"`
}

// HasNext reports whether another page follows
func (p Page) HasNext() bool { return p.Paging.Next != "" && p.Paging.Cursors.After != "" }
