package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ValidationError rejects input before anything durable happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// NewID returns a time-ordered identifier so generated ids sort roughly by
// ingestion time, which keeps index inserts append-mostly.
var NewID = func() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Stores keep timestamps as int64 nanoseconds; this range fits comfortably.
const (
	minYear = 1900
	maxYear = 2199
)

// Normalize validates raw and builds the record the ledger will commit.
// It has no side effects beyond id generation.
func Normalize(raw Raw, now time.Time, instance string) (Record, error) {
	eventType := strings.TrimSpace(raw.Type)
	if eventType == "" {
		return Record{}, invalid("type", "is required")
	}
	if err := checkText(eventType, MaxTypeLength); err != nil {
		return Record{}, invalid("type", err.Error())
	}

	source := strings.TrimSpace(raw.Source)
	if err := checkText(source, MaxSourceLength); err != nil {
		return Record{}, invalid("source", err.Error())
	}

	occurredRaw := strings.TrimSpace(raw.OccurredAt)
	if occurredRaw == "" {
		return Record{}, invalid("occurred_at", "is required")
	}
	occurredAt, err := time.Parse(time.RFC3339Nano, occurredRaw)
	if err != nil {
		return Record{}, invalid("occurred_at", "must be an RFC 3339 timestamp")
	}
	if y := occurredAt.UTC().Year(); y < minYear || y > maxYear {
		return Record{}, invalid("occurred_at", fmt.Sprintf("year must be between %d and %d", minYear, maxYear))
	}

	payload, err := normalizePayload(raw.Payload)
	if err != nil {
		return Record{}, err
	}

	id, err := resolveID(raw)
	if err != nil {
		return Record{}, err
	}

	return Record{
		ID:         id,
		Type:       eventType,
		Source:     source,
		Payload:    payload,
		OccurredAt: occurredAt.UTC(),
		ReceivedAt: now.UTC(),
		Instance:   instance,
	}, nil
}

func resolveID(raw Raw) (string, error) {
	key := strings.TrimSpace(raw.ID)
	field := "id"
	if key == "" {
		key = strings.TrimSpace(raw.IdempotencyKey)
		field = "idempotency_key"
	}
	if key == "" {
		id, err := NewID()
		if err != nil {
			return "", fmt.Errorf("generate event id: %w", err)
		}
		return id, nil
	}
	if err := checkText(key, MaxIDLength); err != nil {
		return "", invalid(field, err.Error())
	}
	return key, nil
}

func normalizePayload(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage(`{}`), nil
	}
	if trimmed[0] != '{' {
		return nil, invalid("payload", "must be a JSON object")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, invalid("payload", "is not well-formed JSON")
	}
	if err := checkEscapes(buf.Bytes()); err != nil {
		return nil, invalid("payload", err.Error())
	}
	return json.RawMessage(buf.Bytes()), nil
}

// checkEscapes rejects \u escapes that neither text columns nor JSONB can
// hold: NUL and unpaired UTF-16 surrogates. b must be valid JSON.
func checkEscapes(b []byte) error {
	inString := false
	for i := 0; i < len(b); i++ {
		switch {
		case b[i] == '"':
			inString = !inString
		case inString && b[i] == '\\':
			if b[i+1] != 'u' {
				i++
				continue
			}
			r := hexRune(b[i+2 : i+6])
			i += 5
			switch {
			case r == 0:
				return errors.New(`must not contain \u0000`)
			case r >= 0xDC00 && r <= 0xDFFF:
				return errors.New("must not contain unpaired surrogates")
			case r >= 0xD800 && r <= 0xDBFF:
				if !lowSurrogateAt(b, i+1) {
					return errors.New("must not contain unpaired surrogates")
				}
				i += 6
			}
		}
	}
	return nil
}

func lowSurrogateAt(b []byte, i int) bool {
	if i+6 > len(b) || b[i] != '\\' || b[i+1] != 'u' {
		return false
	}
	r := hexRune(b[i+2 : i+6])
	return r >= 0xDC00 && r <= 0xDFFF
}

func hexRune(h []byte) rune {
	n, err := strconv.ParseUint(string(h), 16, 32)
	if err != nil {
		return -1
	}
	return rune(n)
}

func checkText(s string, max int) error {
	if len(s) > max {
		return fmt.Errorf("must be at most %d bytes", max)
	}
	if !utf8.ValidString(s) {
		return fmt.Errorf("must be valid UTF-8")
	}
	for _, r := range s {
		if unicode.IsControl(r) {
			return fmt.Errorf("must not contain control characters")
		}
	}
	return nil
}
