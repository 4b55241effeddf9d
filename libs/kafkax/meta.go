package kafkax

import (
	"strings"

	"github.com/segmentio/kafka-go"
)

const (
	HeaderEventID   = "event_id"
	HeaderEventType = "event_type"
	HeaderSource    = "source"
)

// EventMeta is the metadata producers may attach to a message next to the body.
type EventMeta struct {
	EventID   string
	EventType string
	Source    string
}

// ExtractEventMeta reads the well-known headers. The message key stands in for
// a missing event_id header so keyed producers get idempotency for free.
func ExtractEventMeta(msg kafka.Message) EventMeta {
	meta := EventMeta{
		EventID:   HeaderValue(msg.Headers, HeaderEventID),
		EventType: HeaderValue(msg.Headers, HeaderEventType),
		Source:    HeaderValue(msg.Headers, HeaderSource),
	}
	if meta.EventID == "" {
		meta.EventID = string(msg.Key)
	}
	return meta
}

func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
