package server

import (
	"net/http"

	"github.com/gigapi/gigapi-datalink/frame"
)

type formatterFn func(data *frame.Frame, w http.ResponseWriter) error

var formatters = map[string]formatterFn{
	"json":   JsonFormatter,
	"ndjson": NDJsonFormatter,
	"arrow":  ArrowFormatter,
}
