package jazz

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

// a partial state mapping. values must be JSON compatible:
// nil, bool, numbers, string, []any, map[string]any
type Partial = map[string]any

// a raw inbound frame, as read from the transport
type Frame struct {
	MessageType int
	Data        []byte
}

func TextFrame(data []byte) Frame {
	return Frame{
		MessageType: websocket.TextMessage,
		Data:        data,
	}
}

func EncodeFrame(partial Partial) ([]byte, error) {
	if partial == nil {
		partial = Partial{}
	}
	b, err := json.Marshal(partial)
	if err != nil {
		return nil, fmt.Errorf("Could not encode partial: %w", err)
	}
	return b, nil
}

// only UTF-8 text frames holding a JSON object are accepted
func DecodeFrame(frame Frame) (Partial, error) {
	if frame.MessageType != websocket.TextMessage {
		return nil, &MessageDecodingError{
			MessageType: frame.MessageType,
			Err:         errors.New("not a text frame"),
		}
	}
	if !utf8.Valid(frame.Data) {
		return nil, &MessageDecodingError{
			MessageType: frame.MessageType,
			Err:         errors.New("not valid utf-8"),
		}
	}
	trimmed := bytes.TrimSpace(frame.Data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &MessageDecodingError{
			MessageType: frame.MessageType,
			Err:         errors.New("not a json object"),
		}
	}
	var partial Partial
	if err := json.Unmarshal(trimmed, &partial); err != nil {
		return nil, &MessageDecodingError{
			MessageType: frame.MessageType,
			Err:         err,
		}
	}
	return partial, nil
}

// values decoded from JSON only hold maps and slices as containers
func deepCopyValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		c := make(map[string]any, len(v))
		for key, item := range v {
			c[key] = deepCopyValue(item)
		}
		return c
	case []any:
		c := make([]any, len(v))
		for i, item := range v {
			c[i] = deepCopyValue(item)
		}
		return c
	default:
		return v
	}
}

func deepCopyPartial(partial Partial) Partial {
	c := make(Partial, len(partial))
	for key, value := range partial {
		c[key] = deepCopyValue(value)
	}
	return c
}
