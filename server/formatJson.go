package server

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gigapi/gigapi-datalink/frame"
)

// RowsResponse represents a /rows JSON response
type RowsResponse struct {
	Columns []string         `json:"columns"`
	Index   []any            `json:"index"`
	Results []map[string]any `json:"results"`
}

func JsonFormatter(data *frame.Frame, w http.ResponseWriter) error {
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(RowsResponse{
		Columns: data.ColumnNames(),
		Index:   processValues(data.IndexValues()),
		Results: ProcessResultsForJSON(data.Records()),
	})
}

func NDJsonFormatter(data *frame.Frame, w http.ResponseWriter) error {
	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	for _, result := range ProcessResultsForJSON(data.Records()) {
		if err := enc.Encode(result); err != nil {
			return err
		}
	}
	return nil
}

// ProcessResultsForJSON prepares results for JSON serialization
func ProcessResultsForJSON(results []map[string]interface{}) []map[string]interface{} {
	processedResults := make([]map[string]interface{}, len(results))
	for i, row := range results {
		processedRow := make(map[string]interface{}, len(row))
		for key, value := range row {
			processedRow[key] = processValue(value)
		}
		processedResults[i] = processedRow
	}
	return processedResults
}

func processValues(values []any) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = processValue(v)
	}
	return out
}

func processValue(value any) any {
	switch v := value.(type) {
	case int64:
		// Convert int64 to string for JSON
		return strconv.FormatInt(v, 10)
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil
		}
		return v
	case time.Time:
		return v.Format(time.RFC3339Nano)
	case time.Duration:
		return v.String()
	}
	return value
}
