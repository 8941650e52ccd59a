package observability

import (
	"strconv"

	"go.opentelemetry.io/otel/attribute"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String("method", method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String("path", path)
}

func statusAttr(code int) attribute.KeyValue {
	return attribute.String("status", strconv.Itoa(code))
}

func modeAttr(mode string) attribute.KeyValue {
	return attribute.String("mode", mode)
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool("success", success)
}
