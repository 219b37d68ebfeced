package model

import (
	"errors"
	"fmt"
)

type (
	// Event is the value of the "event" header.
	Event string

	// MessageType is the value of the "type" header.
	MessageType string

	// Status is the value of the "status" header on server responses.
	Status string
)

const (
	EventRegister Event = "register"
	EventLogin    Event = "login"
	EventDelete   Event = "delete"
	EventOutgoing Event = "outgoing"
	EventIncoming Event = "incoming"
)

const (
	TypeText   MessageType = "text"
	TypeImage  MessageType = "image"
	TypeDHInit MessageType = "dh_init"
	TypeDHFin  MessageType = "dh_fin"
	TypeServer MessageType = "server"
)

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

var (
	ErrInvalidEvent       = errors.New("invalid event")
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrInvalidStatus      = errors.New("invalid status")
)

func ParseEvent(s string) (Event, error) {
	switch e := Event(s); e {
	case EventRegister, EventLogin, EventDelete, EventOutgoing, EventIncoming:
		return e, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEvent, s)
}

func ParseMessageType(s string) (MessageType, error) {
	switch t := MessageType(s); t {
	case TypeText, TypeImage, TypeDHInit, TypeDHFin, TypeServer:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMessageType, s)
}

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusSuccess, StatusFailure:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// Relayable reports whether clients may send this type through the relay.
// "server" is produced by the relay itself and is never accepted from a client.
func (t MessageType) Relayable() bool {
	switch t {
	case TypeText, TypeImage, TypeDHInit, TypeDHFin:
		return true
	}
	return false
}

// Sealed reports whether the payload is an envelope ciphertext.
func (t MessageType) Sealed() bool {
	return t == TypeText || t == TypeImage
}

type (
	// Message is a chat line after decryption, as shown to the user.
	Message struct {
		From          string
		To            string
		Type          MessageType
		Text          string
		Authenticated bool
	}
)
