// server.go
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gigapi/gigapi-datalink/core"
	"github.com/gigapi/gigapi-datalink/datalink"
	"github.com/gigapi/gigapi-datalink/engine"
	"github.com/gigapi/gigapi-datalink/filter"
	"github.com/gigapi/gigapi-datalink/frame"
	"github.com/gigapi/gigapi-datalink/present"
)

// Server exposes an engine over HTTP
type Server struct {
	Engine   *engine.Engine
	Handler  *datalink.Handler
	Recorder *present.Recorder
}

// NewServer creates a new server instance. recorder may be nil when the
// engine presents elsewhere; /display then always answers 404.
func NewServer(eng *engine.Engine, handler *datalink.Handler, recorder *present.Recorder) *Server {
	if handler == nil {
		handler = datalink.NewHandler(eng, nil)
	}
	return &Server{Engine: eng, Handler: handler, Recorder: recorder}
}

// Routes registers every endpoint on a new mux
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.HandleHealth)
	mux.HandleFunc("/render", s.HandleRender)
	mux.HandleFunc("/resample", s.HandleResample)
	mux.HandleFunc("/assign", s.HandleAssign)
	mux.HandleFunc("/message", s.HandleMessage)
	mux.HandleFunc("/rows", s.HandleRows)
	mux.HandleFunc("/display", s.HandleDisplay)
	return mux
}

// RenderResponse reports the display a render produced
type RenderResponse struct {
	DisplayID     string                 `json:"display_id"`
	Update        bool                   `json:"update"`
	Fingerprint   string                 `json:"fingerprint,omitempty"`
	DataframeInfo frame.SampleDescriptor `json:"dataframe_info"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// WarningHeader carries one restore warning per value on /rows responses.
const WarningHeader = "X-Datalink-Warning"

var reqId int32

// addCORSHeaders adds CORS headers to the response
func addCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Expose-Headers", WarningHeader)
}

// preflight handles CORS and method checks shared by every endpoint. It
// returns false when the request has been answered.
func preflight(w http.ResponseWriter, r *http.Request, method string) bool {
	addCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return false
	}
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// HandleRender handles the /render endpoint. The body is either a list of
// records or {"columns": [...], "records": [...]}.
func (s *Server) HandleRender(w http.ResponseWriter, r *http.Request) {
	ctx := core.WithDefaultLogger(r.Context(), fmt.Sprintf("req-%d", atomic.AddInt32(&reqId, 1)))
	if !preflight(w, r, http.MethodPost) {
		return
	}

	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	input, err := decodeTable(raw)
	if err != nil {
		sendErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := s.Engine.Render(ctx, input)
	if err != nil {
		core.Errorf(ctx, "render failed: %v", err)
		if res == nil {
			sendErrorResponse(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(RenderResponse{
		DisplayID:     res.DisplayID,
		Update:        res.Update,
		Fingerprint:   string(res.Fingerprint),
		DataframeInfo: res.Descriptor,
	})
}

func decodeTable(raw json.RawMessage) (any, error) {
	useNumber := func(data []byte, v any) error {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		return dec.Decode(v)
	}
	if len(raw) > 0 && raw[0] == '[' {
		var rows []map[string]any
		if err := useNumber(raw, &rows); err != nil {
			return nil, fmt.Errorf("invalid records: %w", err)
		}
		return rows, nil
	}
	var table frame.Records
	if err := useNumber(raw, &table); err != nil {
		return nil, fmt.Errorf("invalid table: %w", err)
	}
	if table.Rows == nil {
		return nil, errors.New("missing records")
	}
	return table, nil
}

// HandleResample handles the /resample endpoint
func (s *Server) HandleResample(w http.ResponseWriter, r *http.Request) {
	if !preflight(w, r, http.MethodPost) {
		return
	}
	var req datalink.ResampleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendEnvelope(w, datalink.ErrorResponse(fmt.Errorf("invalid request body: %w", err)))
		return
	}
	sendEnvelope(w, s.Handler.HandleResample(r.Context(), req))
}

// HandleAssign handles the /assign endpoint
func (s *Server) HandleAssign(w http.ResponseWriter, r *http.Request) {
	if !preflight(w, r, http.MethodPost) {
		return
	}
	var req datalink.AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendEnvelope(w, datalink.ErrorResponse(fmt.Errorf("invalid request body: %w", err)))
		return
	}
	sendEnvelope(w, s.Handler.HandleAssign(r.Context(), req))
}

// HandleMessage accepts any datalink message, bare or wrapped
func (s *Server) HandleMessage(w http.ResponseWriter, r *http.Request) {
	if !preflight(w, r, http.MethodPost) {
		return
	}
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		sendEnvelope(w, datalink.ErrorResponse(fmt.Errorf("invalid request body: %w", err)))
		return
	}
	resp := s.Handler.HandleMessage(r.Context(), raw)
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	sendEnvelope(w, *resp)
}

// HandleRows resamples a display and returns the rows in the requested format
func (s *Server) HandleRows(w http.ResponseWriter, r *http.Request) {
	ctx := core.WithDefaultLogger(r.Context(), fmt.Sprintf("req-%d", atomic.AddInt32(&reqId, 1)))
	if !preflight(w, r, http.MethodPost) {
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}
	formatter, ok := formatters[format]
	if !ok {
		sendErrorResponse(w, fmt.Sprintf("Unknown format %q", format), http.StatusBadRequest)
		return
	}

	var req datalink.ResampleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.DisplayID == "" {
		sendErrorResponse(w, "Missing display_id parameter", http.StatusBadRequest)
		return
	}

	clauses, err := filter.ParseClauses(req.Filters)
	if err != nil {
		sendErrorResponse(w, err.Error(), statusFor(err))
		return
	}
	res, err := s.Engine.Query(ctx, req.DisplayID, clauses, req.SampleSize)
	if err != nil {
		core.Errorf(ctx, "rows for %s failed: %v", req.DisplayID, err)
		sendErrorResponse(w, err.Error(), statusFor(err))
		return
	}
	for _, warning := range res.Warnings {
		w.Header().Add(WarningHeader, warning.String())
	}
	if err := formatter(res.Data, w); err != nil {
		core.Errorf(ctx, "failed to write %s rows: %v", format, err)
	}
}

// HandleDisplay returns the last payload sent for a display
func (s *Server) HandleDisplay(w http.ResponseWriter, r *http.Request) {
	if !preflight(w, r, http.MethodGet) {
		return
	}
	id := r.URL.Query().Get("display_id")
	if id == "" {
		sendErrorResponse(w, "Missing display_id parameter", http.StatusBadRequest)
		return
	}
	if s.Recorder == nil {
		sendErrorResponse(w, "Display payloads are not recorded", http.StatusNotFound)
		return
	}
	payload, ok := s.Recorder.Last(id)
	if !ok {
		sendErrorResponse(w, fmt.Sprintf("No payload for display %q", id), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		payload.MediaType: payload.Data,
		"metadata":        map[string]any{payload.MediaType: payload.Metadata},
		"update":          payload.Update,
	})
}

// Health check endpoint
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	addCORSHeaders(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ok",
		"displays":  s.Engine.Registry().Len(),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func statusFor(err error) int {
	switch {
	case core.IsInvalidFilter(err):
		return http.StatusBadRequest
	case core.IsUnknownDisplay(err):
		return http.StatusNotFound
	case core.IsStorage(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Send an error response in JSON format
func sendErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error: message,
	})
}

// sendEnvelope writes a datalink response; error envelopes get a 400.
func sendEnvelope(w http.ResponseWriter, resp datalink.Response) {
	w.Header().Set("Content-Type", "application/json")
	if resp.Status == datalink.StatusError {
		w.WriteHeader(http.StatusBadRequest)
	}
	json.NewEncoder(w).Encode(resp)
}
