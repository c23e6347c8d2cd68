// Package control carries out-of-band commands to a running cache and reports
// their outcome as typed notifications.
package control

import (
	"errors"
	"net/http"
	"time"

	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
)

var (
	// ErrUnknownCommand is reported for a command type the channel does not know.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrExcluded is returned by targets for URLs that are never cached.
	ErrExcluded = errors.New("url is excluded from caching")
	// ErrCachingDisabled is returned by targets when caching is switched off.
	ErrCachingDisabled = errors.New("caching is disabled")
	// ErrUnknownNamespace is returned by targets for a namespace name not in the registry.
	ErrUnknownNamespace = errors.New("unknown namespace")
)

type CommandType string

const (
	DisableCache   CommandType = "DisableCache"
	EnableCache    CommandType = "EnableCache"
	ForceActivate  CommandType = "ForceActivate"
	Revalidate     CommandType = "Revalidate"
	ClearNamespace CommandType = "ClearNamespace"
	InjectEntry    CommandType = "InjectEntry"
)

// Command is the wire format of a control command.
type Command struct {
	// Correlates the notification with the command. Assigned if empty.
	ID        string      `json:"id,omitempty"`
	Type      CommandType `json:"type"`
	URL       string      `json:"url,omitempty"`
	Namespace string      `json:"namespace,omitempty"`
	// Accept header sent when revalidating. Defaults to text/html.
	Accept  string         `json:"accept,omitempty"`
	Payload *InjectPayload `json:"payload,omitempty"`
}

// InjectPayload is a response produced by the controller.
type InjectPayload struct {
	// Defaults to 200.
	Status  int               `json:"status,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body"`
}

// Headers set on injected documents unless the command provides them.
var injectedDefaults = map[string]string{
	"Content-Type":  "text/html; charset=utf-8",
	"Cache-Control": "public, max-age=0, must-revalidate",
}

// InjectedHeader marks responses that were injected rather than fetched.
const InjectedHeader = cachestatus.InjectedHeader

// Response converts the payload to a stored response.
func (p InjectPayload) Response() serializer.Payload {
	status := p.Status
	if status == 0 {
		status = http.StatusOK
	}
	h := make(http.Header)
	for k, v := range injectedDefaults {
		h.Set(k, v)
	}
	for k, v := range p.Headers {
		h.Set(k, v)
	}
	h.Set(InjectedHeader, "true")
	return serializer.Payload{StatusCode: status, Header: h, Body: []byte(p.Body)}
}

type NotificationType string

const (
	CacheDisabled         NotificationType = "CacheDisabled"
	CacheEnabled          NotificationType = "CacheEnabled"
	Activated             NotificationType = "Activated"
	ActivationFailed      NotificationType = "ActivationFailed"
	RevalidationSucceeded NotificationType = "RevalidationSucceeded"
	RevalidationFailed    NotificationType = "RevalidationFailed"
	CacheCleared          NotificationType = "CacheCleared"
	ClearFailed           NotificationType = "ClearFailed"
	EntryInjected         NotificationType = "EntryInjected"
	InjectionSkipped      NotificationType = "InjectionSkipped"
	InjectionFailed       NotificationType = "InjectionFailed"
	CommandRejected       NotificationType = "CommandRejected"
)

// Failed reports whether the notification describes a failed command.
func (t NotificationType) Failed() bool {
	switch t {
	case ActivationFailed, RevalidationFailed, ClearFailed, InjectionFailed, CommandRejected:
		return true
	}
	return false
}

// Notification reports the outcome of a command, or an event such as a
// generation being activated.
type Notification struct {
	CommandID string           `json:"commandId,omitempty"`
	Type      NotificationType `json:"type"`
	URL       string           `json:"url,omitempty"`
	Namespace string           `json:"namespace,omitempty"`
	Error     string           `json:"error,omitempty"`
	At        time.Time        `json:"at"`
}
