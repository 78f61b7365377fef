package model

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"time"
)

// EncodeJSONL renders messages as newline-delimited JSON, one object per
// line, with a trailing newline.
func EncodeJSONL(w io.Writer, messages []SimplifiedMessage) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, m := range messages {
		line := jsonlLine{
			Sender:  m.Sender,
			Content: m.Content,
			Time:    m.Timestamp.UTC().Format(jsonlTimeLayout),
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	return nil
}

// DecodeJSONL parses a messages.jsonl stream back into a SimplifiedMessage
// sequence, the inverse of EncodeJSONL.
func DecodeJSONL(r io.Reader) ([]SimplifiedMessage, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var out []SimplifiedMessage
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var l jsonlLine
		if err := json.Unmarshal([]byte(line), &l); err != nil {
			return nil, err
		}
		ts, err := time.ParseInLocation(jsonlTimeLayout, l.Time, time.UTC)
		if err != nil {
			return nil, err
		}
		out = append(out, SimplifiedMessage{Sender: l.Sender, Content: l.Content, Timestamp: ts})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
