package record

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"
)

// normalizeChatGPT handles the conversations.json shape of a ChatGPT export:
// an array of conversations, each with an id, title and messages carrying unix
// create_time stamps.
func normalizeChatGPT(payload []byte) ([]CanonicalRecord, []Problem, error) {
	var conversations []struct {
		ID       string `json:"id"`
		Title    string `json:"title"`
		Messages []struct {
			Content    string          `json:"content"`
			CreateTime json.RawMessage `json:"create_time"`
			Role       string          `json:"role"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(payload, &conversations); err != nil {
		return nil, nil, fmt.Errorf("%w: chatgpt export: %v", ErrMalformedRecord, err)
	}

	var records []CanonicalRecord
	var problems []Problem
	for ci, conv := range conversations {
		if conv.ID == "" {
			problems = append(problems, Problem{Ref: fmt.Sprintf("conversation[%d]", ci), Reason: "missing conversation id"})
			continue
		}
		for _, msg := range conv.Messages {
			records = append(records, CanonicalRecord{
				SourceID:  conv.ID,
				Timestamp: parseUnixTime(msg.CreateTime),
				Text:      msg.Content,
				Metadata: map[string]string{
					"role":  msg.Role,
					"title": conv.Title,
				},
			})
		}
	}
	return records, problems, nil
}

// normalizeClaude handles a Claude export: {"conversations": [{uuid, messages:
// [{content, created_at, sender}]}]}.
func normalizeClaude(payload []byte) ([]CanonicalRecord, []Problem, error) {
	var export struct {
		Conversations []struct {
			UUID     string `json:"uuid"`
			Messages []struct {
				Content   string `json:"content"`
				CreatedAt string `json:"created_at"`
				Sender    string `json:"sender"`
			} `json:"messages"`
		} `json:"conversations"`
	}
	if err := json.Unmarshal(payload, &export); err != nil {
		return nil, nil, fmt.Errorf("%w: claude export: %v", ErrMalformedRecord, err)
	}

	var records []CanonicalRecord
	var problems []Problem
	for ci, conv := range export.Conversations {
		if conv.UUID == "" {
			problems = append(problems, Problem{Ref: fmt.Sprintf("conversation[%d]", ci), Reason: "missing conversation uuid"})
			continue
		}
		for _, msg := range conv.Messages {
			records = append(records, CanonicalRecord{
				SourceID:  conv.UUID,
				Timestamp: parseRFC3339(msg.CreatedAt),
				Text:      msg.Content,
				Metadata:  map[string]string{"role": msg.Sender},
			})
		}
	}
	return records, problems, nil
}

// normalizeDiscord handles a Discord channel export CSV with a
// Timestamp,Contents,Author header and an optional Channel column. Rows from
// one channel share a source identity.
func normalizeDiscord(payload []byte) ([]CanonicalRecord, []Problem, error) {
	reader := csv.NewReader(bytes.NewReader(payload))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: discord csv: %v", ErrMalformedRecord, err)
	}
	cols := map[string]int{}
	for i, name := range header {
		cols[name] = i
	}
	contentCol, ok := cols["Contents"]
	if !ok {
		return nil, nil, fmt.Errorf("%w: discord csv: missing Contents column", ErrMalformedRecord)
	}

	field := func(row []string, col int, ok bool) string {
		if !ok || col >= len(row) {
			return ""
		}
		return row[col]
	}

	var records []CanonicalRecord
	var problems []Problem
	for line := 2; ; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			problems = append(problems, Problem{Ref: fmt.Sprintf("row[%d]", line), Reason: err.Error()})
			continue
		}
		if contentCol >= len(row) {
			problems = append(problems, Problem{Ref: fmt.Sprintf("row[%d]", line), Reason: "missing Contents field"})
			continue
		}

		tsCol, tsOK := cols["Timestamp"]
		auCol, auOK := cols["Author"]
		chCol, chOK := cols["Channel"]

		sourceID := "discord"
		channel := field(row, chCol, chOK)
		if channel != "" {
			sourceID = "discord:" + channel
		}

		records = append(records, CanonicalRecord{
			SourceID:  sourceID,
			Timestamp: parseRFC3339(field(row, tsCol, tsOK)),
			Text:      row[contentCol],
			Metadata: map[string]string{
				"author":  field(row, auCol, auOK),
				"channel": channel,
			},
		})
	}
	return records, problems, nil
}

// normalizeSessionLog handles the session-*.json shape of the local agent
// archive: one session with a message list.
func normalizeSessionLog(payload []byte) ([]CanonicalRecord, []Problem, error) {
	var session struct {
		SessionID string `json:"session_id"`
		Messages  []struct {
			Content   string `json:"content"`
			Timestamp string `json:"timestamp"`
			Role      string `json:"role"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(payload, &session); err != nil {
		return nil, nil, fmt.Errorf("%w: session log: %v", ErrMalformedRecord, err)
	}
	if session.SessionID == "" {
		return nil, nil, fmt.Errorf("%w: session log: missing session_id", ErrMalformedRecord)
	}

	var records []CanonicalRecord
	for _, msg := range session.Messages {
		records = append(records, CanonicalRecord{
			SourceID:  session.SessionID,
			Timestamp: parseRFC3339(msg.Timestamp),
			Text:      msg.Content,
			Metadata:  map[string]string{"role": msg.Role},
		})
	}
	return records, nil, nil
}

// normalizeGenericJSON accepts either a bare array of message objects or an
// object wrapping the array under one of the common keys.
func normalizeGenericJSON(payload []byte) ([]CanonicalRecord, []Problem, error) {
	var anyShape interface{}
	if err := json.Unmarshal(payload, &anyShape); err != nil {
		return nil, nil, fmt.Errorf("%w: generic json: %v", ErrMalformedRecord, err)
	}

	var items []interface{}
	switch v := anyShape.(type) {
	case []interface{}:
		items = v
	case map[string]interface{}:
		for _, key := range []string{"messages", "conversations", "chats", "data"} {
			if list, ok := v[key].([]interface{}); ok {
				items = list
				break
			}
		}
		if items == nil {
			return nil, nil, fmt.Errorf("%w: generic json: no message array found", ErrMalformedRecord)
		}
	default:
		return nil, nil, fmt.Errorf("%w: generic json: unexpected top-level shape", ErrMalformedRecord)
	}

	var records []CanonicalRecord
	var problems []Problem
	for i, item := range items {
		obj, ok := item.(map[string]interface{})
		if !ok {
			problems = append(problems, Problem{Ref: fmt.Sprintf("item[%d]", i), Reason: "not an object"})
			continue
		}
		text, _ := obj["content"].(string)
		if text == "" {
			problems = append(problems, Problem{Ref: fmt.Sprintf("item[%d]", i), Reason: "missing content"})
			continue
		}

		sourceID := "generic"
		for _, key := range []string{"conversation_id", "id", "session_id"} {
			if id, ok := obj[key].(string); ok && id != "" {
				sourceID = id
				break
			}
		}

		metadata := map[string]string{}
		for k, v := range obj {
			if k == "content" || k == "timestamp" {
				continue
			}
			switch val := v.(type) {
			case string:
				metadata[k] = val
			case float64:
				metadata[k] = strconv.FormatFloat(val, 'f', -1, 64)
			case bool:
				metadata[k] = strconv.FormatBool(val)
			}
		}

		records = append(records, CanonicalRecord{
			SourceID:  sourceID,
			Timestamp: parseLooseTime(obj["timestamp"]),
			Text:      text,
			Metadata:  metadata,
		})
	}
	return records, problems, nil
}

// parseUnixTime reads a unix-seconds number (possibly fractional, possibly
// quoted). Anything unreadable maps to the unknown sentinel.
func parseUnixTime(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	var secs float64
	if err := json.Unmarshal(raw, &secs); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return time.Time{}
		}
		secs = parsed
	}
	if secs <= 0 || math.IsNaN(secs) {
		return time.Time{}
	}
	sec, frac := math.Modf(secs)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func parseRFC3339(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func parseLooseTime(v interface{}) time.Time {
	switch val := v.(type) {
	case string:
		return parseRFC3339(val)
	case float64:
		if val <= 0 {
			return time.Time{}
		}
		sec, frac := math.Modf(val)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC()
	default:
		return time.Time{}
	}
}
