// Package datalink handles the resample and assignment requests a frontend
// sends for a rendered display.
package datalink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"strconv"
	"sync/atomic"

	"github.com/gigapi/gigapi-datalink/core"
	"github.com/gigapi/gigapi-datalink/engine"
	"github.com/gigapi/gigapi-datalink/filter"
	"github.com/gigapi/gigapi-datalink/present"
)

const (
	StatusOK        = "ok"
	StatusError     = "error"
	StatusConnected = "connected"
)

// ResampleRequest asks to re-render a display with filters.
type ResampleRequest struct {
	DisplayID  string              `json:"display_id"`
	Filters    []filter.WireClause `json:"filters"`
	SampleSize int                 `json:"sample_size"`
}

// AssignRequest asks to bind a filtered display into the caller namespace.
type AssignRequest struct {
	DisplayID    string              `json:"display_id"`
	VariableName string              `json:"variable_name"`
	Filters      []filter.WireClause `json:"filters"`
	SampleSize   int                 `json:"sample_size"`
}

// Response is sent back for every handled request.
type Response struct {
	Status       string `json:"status"`
	Error        string `json:"error,omitempty"`
	Traceback    string `json:"traceback,omitempty"`
	DisplayID    string `json:"display_id,omitempty"`
	VariableName string `json:"variable_name,omitempty"`
	// Warnings lists columns left in their stored type.
	Warnings []string `json:"warnings,omitempty"`
}

// ErrorResponse builds the error envelope for err.
func ErrorResponse(err error) Response {
	return Response{Status: StatusError, Error: err.Error()}
}

// Handler serves requests against one engine and namespace.
type Handler struct {
	engine *engine.Engine
	ns     present.Namespace
	reqId  atomic.Int64
}

func NewHandler(eng *engine.Engine, ns present.Namespace) *Handler {
	if ns == nil {
		ns = present.NewMapNamespace()
	}
	return &Handler{engine: eng, ns: ns}
}

// Namespace returns the namespace assignments bind into.
func (h *Handler) Namespace() present.Namespace { return h.ns }

func (h *Handler) nextCtx(ctx context.Context) context.Context {
	return core.WithDefaultLogger(ctx, "req-"+strconv.FormatInt(h.reqId.Add(1), 10))
}

// guard converts a panic in fn into an error envelope with a traceback.
func guard(ctx context.Context, fn func() Response) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			core.Errorf(ctx, "panic handling request: %v", r)
			resp = Response{Status: StatusError, Error: fmt.Sprint(r), Traceback: string(debug.Stack())}
		}
	}()
	return fn()
}

// HandleResample re-renders req.DisplayID through the presenter.
func (h *Handler) HandleResample(ctx context.Context, req ResampleRequest) Response {
	ctx = h.nextCtx(ctx)
	return guard(ctx, func() Response {
		core.Debugf(ctx, "resample %s with %d filters, sample_size=%d", req.DisplayID, len(req.Filters), req.SampleSize)
		clauses, err := filter.ParseClauses(req.Filters)
		if err != nil {
			return ErrorResponse(err)
		}
		res, err := h.engine.ResampleDisplay(ctx, req.DisplayID, clauses, req.SampleSize)
		if err != nil {
			core.Errorf(ctx, "resample %s failed: %v", req.DisplayID, err)
			return ErrorResponse(err)
		}
		return Response{Status: StatusOK, DisplayID: res.DisplayID, Warnings: warningStrings(res.Warnings)}
	})
}

// HandleAssign binds the resampled data under req.VariableName, or a
// suffixed free name, and reports the name used.
func (h *Handler) HandleAssign(ctx context.Context, req AssignRequest) Response {
	ctx = h.nextCtx(ctx)
	return guard(ctx, func() Response {
		if !h.engine.Settings.EnableAssignment {
			return ErrorResponse(errors.New("dataframe assignment is disabled"))
		}
		clauses, err := filter.ParseClauses(req.Filters)
		if err != nil {
			return ErrorResponse(err)
		}
		res, err := h.engine.Assign(ctx, req.DisplayID, clauses, req.SampleSize, req.VariableName, h.ns)
		if err != nil {
			core.Errorf(ctx, "assign %s failed: %v", req.DisplayID, err)
			return ErrorResponse(err)
		}
		return Response{Status: StatusOK, DisplayID: req.DisplayID, VariableName: res.Name, Warnings: warningStrings(res.Warnings)}
	})
}

func warningStrings(warnings []core.TypeRestoreWarning) []string {
	if len(warnings) == 0 {
		return nil
	}
	out := make([]string, len(warnings))
	for i, w := range warnings {
		out[i] = w.String()
	}
	return out
}

// HandleMessage decodes a raw message and dispatches it. Messages may be
// bare requests or wrapped as {"content":{"data":{...}}}. It returns nil
// for messages that carry no request.
func (h *Handler) HandleMessage(ctx context.Context, raw []byte) *Response {
	data, err := unwrap(raw)
	if err != nil {
		resp := ErrorResponse(fmt.Errorf("invalid message: %w", err))
		return &resp
	}
	if len(data) == 0 {
		return nil
	}

	_, hasDisplay := data["display_id"]
	_, hasVariable := data["variable_name"]
	_, hasFilters := data["filters"]
	body, _ := json.Marshal(data)

	var resp Response
	switch {
	case hasDisplay && hasVariable:
		var req AssignRequest
		if err := json.Unmarshal(body, &req); err != nil {
			resp = ErrorResponse(fmt.Errorf("invalid assignment request: %w", err))
			break
		}
		resp = h.HandleAssign(ctx, req)
	case hasDisplay && hasFilters:
		var req ResampleRequest
		if err := json.Unmarshal(body, &req); err != nil {
			resp = ErrorResponse(fmt.Errorf("invalid resample request: %w", err))
			break
		}
		resp = h.HandleResample(ctx, req)
	default:
		return nil
	}
	return &resp
}

func unwrap(raw []byte) (map[string]json.RawMessage, error) {
	var msg map[string]json.RawMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	content, ok := msg["content"]
	if !ok {
		return msg, nil
	}
	var wrapped struct {
		Data map[string]json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(content, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Data, nil
}

// Channel is a duplex message stream to a frontend.
type Channel interface {
	// Receive blocks for the next message; io.EOF ends the stream.
	Receive(ctx context.Context) ([]byte, error)
	Send(ctx context.Context, resp Response) error
}

// Serve greets ch and answers its messages one at a time until the channel
// is closed or ctx is done.
func (h *Handler) Serve(ctx context.Context, ch Channel) error {
	if err := ch.Send(ctx, Response{Status: StatusConnected}); err != nil {
		return err
	}
	for {
		raw, err := ch.Receive(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		resp := h.HandleMessage(ctx, raw)
		if resp == nil {
			continue
		}
		if err := ch.Send(ctx, *resp); err != nil {
			return err
		}
	}
}
