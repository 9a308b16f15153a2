package tracing

import (
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/propagation"
)

// HeaderCarrier adapts AMQP headers to propagation.TextMapCarrier. Values are
// written as byte arrays; reads accept byte arrays, strings and any value
// exposing its bytes, since the representation depends on the client decoding
// the frame.
type HeaderCarrier amqp.Table

var _ propagation.TextMapCarrier = HeaderCarrier{}

type byteViewer interface {
	Bytes() []byte
}

func (c HeaderCarrier) Get(key string) string {
	switch v := c[key].(type) {
	case []byte:
		return string(v)
	case string:
		return v
	case byteViewer:
		return string(v.Bytes())
	default:
		return ""
	}
}

func (c HeaderCarrier) Set(key, value string) {
	c[key] = []byte(value)
}

func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
