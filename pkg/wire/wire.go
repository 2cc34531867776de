// Package wire defines the contract between the scheduler and the worker
// subprocess it launches per task. The parent writes one Request to the
// child's stdin and closes it; the child writes exactly one Response to
// stdout and exits, code 0 iff Success. No other traffic crosses the
// boundary — killing the child is always safe.
package wire

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"devhook/pkg/event"
	"devhook/pkg/repocache"
)

// Request is the task payload delivered on the child's stdin. Large values
// travel here, never in argv.
type Request struct {
	TaskDescription string                 `json:"task_description"`
	Event           event.Event            `json:"event"`
	DevsOptions     *repocache.DevsOptions `json:"devs_options,omitempty"`
}

// Response is the single JSON object the child writes to stdout. Internal
// child failures use the same envelope with Success=false.
type Response struct {
	Success   bool      `json:"success"`
	Output    string    `json:"output"`
	Error     string    `json:"error,omitempty"`
	TaskID    string    `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Options returns the request's devs options, falling back to defaults
// when the parent sent none.
func (r Request) Options() repocache.DevsOptions {
	if r.DevsOptions != nil {
		return *r.DevsOptions
	}
	return repocache.DefaultOptions()
}

// ReadRequest decodes the one Request from r.
func ReadRequest(r io.Reader) (Request, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Request{}, fmt.Errorf("read request: %w", err)
	}
	if len(data) == 0 {
		return Request{}, fmt.Errorf("no request payload on stdin")
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	if req.TaskDescription == "" {
		return Request{}, fmt.Errorf("request missing task_description")
	}
	return req, nil
}

// WriteRequest encodes req to w.
func WriteRequest(w io.Writer, req Request) error {
	if err := json.NewEncoder(w).Encode(req); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return nil
}

// WriteResponse encodes resp to w.
func WriteResponse(w io.Writer, resp Response) error {
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return nil
}

// ParseResponse decodes the child's stdout. Callers must treat an error
// here as a task failure, not a crash: a child that exits 0 with garbage
// on stdout is a failed task.
func ParseResponse(data []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}
