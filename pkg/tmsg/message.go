// Package tmsg defines the message envelope shared by the Testerman control
// interfaces (Ws, Xc, Il, Ia, Xa). Every frame is either a request carrying a
// client-assigned transaction id, a response correlated to one, or a fire and
// forget notification.
package tmsg

import (
	"encoding/json"
	"time"
)

// Kind represents the kind of message.
type Kind string

const (
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindNotification Kind = "notification"
)

// Status codes, following HTTP conventions.
const (
	StatusOK                = 200
	StatusForbidden         = 403 // lock held by another client
	StatusNotFound          = 404
	StatusInternalError     = 501 // includes proxied transaction timeouts
	StatusUnsupportedMethod = 505
)

// StatusText returns the conventional reason phrase for a status code.
func StatusText(status int) string {
	switch status {
	case StatusOK:
		return "OK"
	case StatusForbidden:
		return "Forbidden"
	case StatusNotFound:
		return "Not Found"
	case StatusInternalError:
		return "Internal Error"
	case StatusUnsupportedMethod:
		return "Unsupported Method"
	default:
		return "Unknown"
	}
}

// Message is the base envelope for all control-plane messages.
//
// Method and URI are set on requests and notifications; Status and Reason on
// responses. TransactionID correlates a response to its request and is unique
// per channel, not globally.
type Message struct {
	Kind          Kind              `json:"kind"`
	Method        string            `json:"method,omitempty"`
	URI           string            `json:"uri,omitempty"`
	Status        int               `json:"status,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	Protocol      string            `json:"protocol,omitempty"` // Xc, Il, Ia, Xa, Ws
	TransactionID uint64            `json:"transactionId,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
}

// NewRequest creates a new request message. The transaction id is assigned
// by the sending channel, not here.
func NewRequest(method, uri string, payload interface{}) (*Message, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Kind:      KindRequest,
		Method:    method,
		URI:       uri,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewResponse creates a new response message. The caller correlates it to a
// request by copying the transaction id onto it before sending.
func NewResponse(status int, reason string, payload interface{}) (*Message, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = StatusText(status)
	}
	return &Message{
		Kind:      KindResponse,
		Status:    status,
		Reason:    reason,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewNotification creates a new notification message.
func NewNotification(method, uri string, payload interface{}) (*Message, error) {
	data, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Kind:      KindNotification,
		Method:    method,
		URI:       uri,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}

// IsRequest reports whether the message is a request.
func (m *Message) IsRequest() bool { return m.Kind == KindRequest }

// IsResponse reports whether the message is a response.
func (m *Message) IsResponse() bool { return m.Kind == KindResponse }

// IsNotification reports whether the message is a notification.
func (m *Message) IsNotification() bool { return m.Kind == KindNotification }

// OK reports whether a response carries a 2xx status.
func (m *Message) OK() bool { return m.Status >= 200 && m.Status < 300 }

// SetHeader sets a header and returns the message for chaining.
func (m *Message) SetHeader(name, value string) *Message {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[name] = value
	return m
}

// GetHeader returns a header value, or "" when absent.
func (m *Message) GetHeader(name string) string {
	return m.Headers[name]
}

// ParsePayload parses the payload into the given struct.
func (m *Message) ParsePayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
