package telemetry

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Timestamp heuristics.
const (
	// millisecondCutoff is 2000-01-01T00:00:00Z in milliseconds. Larger
	// candidates are already milliseconds; smaller ones are seconds.
	millisecondCutoff = 946684800000

	minTimestampDigits = 10
	maxTimestampDigits = 14
)

// timestampFields are the JSON fields consulted for an event time, in priority order.
var timestampFields = []string{"ts", "timestamp", "time", "last_seen", "boot_time", "last_reset", "last_reboot"}

// textFields are the JSON fields whose value is used as keyword text.
var textFields = []string{"status", "state", "event", "action", "message"}

// Signal is one transport message after normalisation. It is not retained
// past the processing of that message.
type Signal struct {
	Topic    string
	DeviceID string
	Kind     Kind

	// Payload is the cleaned payload: control characters and surrounding
	// quotes removed, whitespace trimmed. Reducers store it verbatim.
	Payload string

	// Text is the lower-cased keyword text with the timestamp cut out.
	Text string

	// EventTime is when the reported event happened. Zero when it could
	// not be derived (a retained message without a timestamp).
	EventTime time.Time

	// Uptime is the device-reported uptime, zero if absent.
	Uptime time.Duration

	Retained bool
}

// HasEventTime reports whether an event time was derived.
func (s Signal) HasEventTime() bool {
	return !s.EventTime.IsZero()
}

// Normalize turns a raw transport message into a Signal.
//
// It never fails. Whatever cannot be interpreted is dropped and the rest of
// the message is still used. now is the receipt time; passing it in keeps
// the function deterministic.
func Normalize(topic string, payload []byte, retained bool, now time.Time) Signal {
	deviceID, kind := SplitTopic(topic)
	cleaned := cleanPayload(string(payload))

	sig := Signal{
		Topic:    topic,
		DeviceID: deviceID,
		Kind:     kind,
		Payload:  cleaned,
		Retained: retained,
	}

	// Pass one: the last 10-14 digit run anywhere in the payload.
	text := cleaned
	var (
		eventTime    time.Time
		hasCandidate bool
		digits       string
	)
	if start, end, ok := lastDigitRun(cleaned); ok {
		digits = cleaned[start:end]
		if v, err := strconv.ParseInt(digits, 10, 64); err == nil {
			eventTime = fromEpoch(v)
			hasCandidate = true
		}
		text = cutSpan(cleaned, start, end)
	}

	// Pass two: structured fields of a JSON object override the scan.
	if obj, ok := parseObject(cleaned); ok {
		uptime, hasUptime := uptimeField(obj)
		if hasUptime {
			sig.Uptime = uptime
			// The digit run may be the uptime value itself, which is not
			// a wall-clock time. Any other run still stands.
			if hasCandidate && digits == uptimeLiteral(obj) {
				hasCandidate = false
			}
		}

		if t, ok := timestampField(obj); ok {
			eventTime = t
			hasCandidate = true
		} else if !hasCandidate && hasUptime {
			eventTime = now.Add(-uptime)
			hasCandidate = true
		}

		if s, ok := keywordField(obj); ok {
			text = s
		}
	}

	if !hasCandidate && !retained {
		// Live message without a timestamp: it happened now. A retained
		// message describes the past, so its time stays unknown.
		eventTime = now
		hasCandidate = true
	}
	if hasCandidate {
		sig.EventTime = eventTime
	}

	sig.Text = strings.ToLower(strings.Trim(text, "|:- \t\r\n"))
	return sig
}

// cleanPayload strips C0/C1 control characters, surrounding quotes and whitespace.
func cleanPayload(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r <= 0x1F || (r >= 0x7F && r <= 0x9F) {
			continue
		}
		b.WriteRune(r)
	}
	s := strings.TrimSpace(b.String())
	s = strings.Trim(s, "\"'`")
	return strings.TrimSpace(s)
}

// lastDigitRun finds the last maximal run of 10-14 ASCII digits.
func lastDigitRun(s string) (start, end int, ok bool) {
	i := 0
	for i < len(s) {
		if !isDigit(s[i]) {
			i++
			continue
		}
		j := i
		for j < len(s) && isDigit(s[j]) {
			j++
		}
		if n := j - i; n >= minTimestampDigits && n <= maxTimestampDigits {
			start, end, ok = i, j, true
		}
		i = j
	}
	return start, end, ok
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// cutSpan removes s[start:end] together with separators on both sides.
func cutSpan(s string, start, end int) string {
	const separators = "|:-,;=@ \t"
	left := strings.TrimRight(s[:start], separators)
	right := strings.TrimLeft(s[end:], separators)
	switch {
	case left == "":
		return right
	case right == "":
		return left
	default:
		return left + " " + right
	}
}

// fromEpoch interprets an epoch value as milliseconds or seconds.
func fromEpoch(v int64) time.Time {
	if v > millisecondCutoff {
		return time.UnixMilli(v).UTC()
	}
	return time.UnixMilli(v * 1000).UTC()
}

// parseObject decodes s when it is a syntactically valid JSON object.
func parseObject(s string) (map[string]any, bool) {
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return nil, false
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, false
	}
	return obj, true
}

func timestampField(obj map[string]any) (time.Time, bool) {
	for _, field := range timestampFields {
		v, ok := obj[field]
		if !ok {
			continue
		}
		if n, ok := numberValue(v); ok && n > 0 {
			return fromEpoch(int64(n)), true
		}
		if s, ok := v.(string); ok {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				return t.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

func uptimeField(obj map[string]any) (time.Duration, bool) {
	n, ok := numberValue(obj["uptime"])
	if !ok || n < 0 {
		return 0, false
	}
	return time.Duration(n * float64(time.Second)), true
}

// uptimeLiteral returns the uptime value as written in the payload.
func uptimeLiteral(obj map[string]any) string {
	switch v := obj["uptime"].(type) {
	case json.Number:
		return v.String()
	case string:
		return strings.TrimSpace(v)
	default:
		return ""
	}
}

func keywordField(obj map[string]any) (string, bool) {
	for _, field := range textFields {
		switch v := obj[field].(type) {
		case string:
			return v, true
		case bool:
			return strconv.FormatBool(v), true
		case json.Number:
			return v.String(), true
		}
	}
	return "", false
}

// numberValue accepts JSON numbers and numeric strings.
func numberValue(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
