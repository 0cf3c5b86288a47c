// Package server defines the JSON events exchanged over the chat socket and
// the helpers that decode and validate them.
package server

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Tyrowin/presencechat/internal/store"
	"github.com/go-playground/validator/v10"
)

// Client to server event types.
const (
	EventLogin       = "LOGIN"
	EventSendMessage = "SEND_MESSAGE"
	EventLogout      = "LOGOUT"
)

// Server to client event types.
const (
	EventInit       = "INIT"
	EventNewUser    = "NEW_USER"
	EventNewMessage = "NEW_MESSAGE"
	EventUserLogout = "USER_LOGOUT"
)

var validate = validator.New()

// Participant is a present, logged-in user.
type Participant struct {
	Username string `json:"username"`
}

// Event is the envelope for every server to client notification.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// InitPayload is the snapshot sent once to each new connection.
type InitPayload struct {
	Messages []store.Message `json:"messages"`
	Users    []Participant   `json:"users"`
}

// ErrorReply is sent to a single connection when one of its events is rejected.
type ErrorReply struct {
	Error string `json:"error"`
}

type inboundEvent struct {
	Type    string          `json:"type" validate:"required,oneof=LOGIN SEND_MESSAGE LOGOUT"`
	Payload json.RawMessage `json:"payload"`
}

type loginPayload struct {
	Username string `json:"username" validate:"required,max=64"`
}

// sendMessagePayload carries only text. Username and datetime are
// stamped by the server.
type sendMessagePayload struct {
	Text string `json:"text" validate:"required"`
}

func decodeEvent(raw []byte) (inboundEvent, error) {
	var ev inboundEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if err := validate.Struct(ev); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return ev, nil
}

func decodeLogin(ev inboundEvent) (loginPayload, error) {
	var p loginPayload
	if err := decodePayload(ev.Payload, &p); err != nil {
		return p, err
	}
	p.Username = strings.TrimSpace(p.Username)
	if err := validate.Struct(p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return p, nil
}

func decodeSendMessage(ev inboundEvent) (sendMessagePayload, error) {
	var p sendMessagePayload
	if err := decodePayload(ev.Payload, &p); err != nil {
		return p, err
	}
	if err := validate.Struct(p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return p, nil
}

func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("%w: missing payload", ErrMalformedEvent)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}

func encodeEvent(eventType string, payload any) ([]byte, error) {
	b, err := json.Marshal(Event{Type: eventType, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", eventType, err)
	}
	return b, nil
}

func encodeError(text string) []byte {
	b, _ := json.Marshal(ErrorReply{Error: text})
	return b
}
