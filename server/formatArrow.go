package server

import (
	"net/http"

	"github.com/apache/arrow/go/v14/arrow/ipc"
	"github.com/apache/arrow/go/v14/arrow/memory"

	"github.com/gigapi/gigapi-datalink/frame"
)

// ArrowFormatter writes the rows as one Arrow IPC stream record batch
func ArrowFormatter(data *frame.Frame, w http.ResponseWriter) error {
	record, err := frame.ToArrow(data)
	if err != nil {
		sendErrorResponse(w, err.Error(), http.StatusInternalServerError)
		return err
	}
	defer record.Release()

	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	writer := ipc.NewWriter(w, ipc.WithSchema(record.Schema()), ipc.WithAllocator(memory.DefaultAllocator))
	if err := writer.Write(record); err != nil {
		writer.Close()
		return err
	}
	return writer.Close()
}
