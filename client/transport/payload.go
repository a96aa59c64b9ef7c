package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	domain "github.com/example/chat-sync/domain/chat"
)

// ErrMalformed marks inbound payloads that fail validation.
var ErrMalformed = errors.New("malformed payload")

// DecodePayload decodes data into v. data may be the JSON value itself
// or a JSON string holding the encoded value.
func DecodePayload(data []byte, v any) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return fmt.Errorf("%w: empty", ErrMalformed)
	}
	if data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		data = []byte(text)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// DecodeMessage decodes an inbound message. A message without room_id
// is malformed.
func DecodeMessage(data []byte) (domain.Message, error) {
	var m domain.Message
	if err := DecodePayload(data, &m); err != nil {
		return domain.Message{}, err
	}
	if m.RoomID == "" {
		return domain.Message{}, fmt.Errorf("%w: message missing room_id", ErrMalformed)
	}
	return m, nil
}

// DecodeNotification decodes an inbound notification. A notification
// without notification_id is malformed.
func DecodeNotification(data []byte) (domain.Notification, error) {
	var n domain.Notification
	if err := DecodePayload(data, &n); err != nil {
		return domain.Notification{}, err
	}
	if n.ID == "" {
		return domain.Notification{}, fmt.Errorf("%w: notification missing notification_id", ErrMalformed)
	}
	return n, nil
}

// DecodeRoom decodes an inbound room update.
func DecodeRoom(data []byte) (domain.Room, error) {
	var r domain.Room
	if err := DecodePayload(data, &r); err != nil {
		return domain.Room{}, err
	}
	if r.ID == "" {
		return domain.Room{}, fmt.Errorf("%w: room missing id", ErrMalformed)
	}
	return r.Normalize(), nil
}

// errorText extracts a readable detail from an error event payload.
func errorText(data []byte) string {
	var text string
	if json.Unmarshal(data, &text) == nil {
		return text
	}
	var obj struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(data, &obj) == nil {
		if obj.Message != "" {
			return obj.Message
		}
		return obj.Error
	}
	return string(data)
}
