package events

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type classifies an audit event.
type Type string

const (
	TypeLogin       Type = "LOGIN"
	TypeLoginError  Type = "LOGIN_ERROR"
	TypeLogout      Type = "LOGOUT"
	TypeLogoutError Type = "LOGOUT_ERROR"
)

// errorType maps a success type to the type recorded on failure.
func errorType(t Type) Type {
	switch t {
	case TypeLogin:
		return TypeLoginError
	case TypeLogout:
		return TypeLogoutError
	}
	return t
}

// Event is one audit record.
type Event struct {
	ID        string            `json:"id"`
	Time      time.Time         `json:"time"`
	Realm     string            `json:"realm"`
	Type      Type              `json:"type"`
	ClientID  string            `json:"clientId,omitempty"`
	UserID    string            `json:"userId,omitempty"`
	SessionID string            `json:"sessionId,omitempty"`
	IPAddress string            `json:"ipAddress,omitempty"`
	Error     string            `json:"error,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// Recorder fans finished events out to the structured log, the audit
// store, and the live stream. Store and stream are optional.
type Recorder struct {
	log    *zap.Logger
	store  *Store
	stream *Stream
}

func NewRecorder(log *zap.Logger, store *Store, stream *Stream) *Recorder {
	return &Recorder{log: log, store: store, stream: stream}
}

// Builder starts an event for one request.
func (r *Recorder) Builder(realmName, ipAddress string) *Builder {
	return &Builder{
		recorder: r,
		event: Event{
			ID:        uuid.New().String(),
			Realm:     realmName,
			IPAddress: ipAddress,
		},
	}
}

// Builder accumulates event fields as a request is processed and
// records exactly once, on Success or Error.
type Builder struct {
	recorder *Recorder
	event    Event
}

func (b *Builder) Event(t Type) *Builder {
	b.event.Type = t
	return b
}

func (b *Builder) Client(clientID string) *Builder {
	b.event.ClientID = clientID
	return b
}

func (b *Builder) User(userID string) *Builder {
	b.event.UserID = userID
	return b
}

func (b *Builder) Session(sessionID string) *Builder {
	b.event.SessionID = sessionID
	return b
}

func (b *Builder) Detail(key, value string) *Builder {
	if value == "" {
		return b
	}
	if b.event.Details == nil {
		b.event.Details = make(map[string]string)
	}
	b.event.Details[key] = value
	return b
}

// Success records the event as-is.
func (b *Builder) Success() {
	b.record()
}

// Error records the event with its type switched to the error variant.
func (b *Builder) Error(code string) {
	b.event.Type = errorType(b.event.Type)
	b.event.Error = code
	b.record()
}

func (b *Builder) record() {
	b.event.Time = time.Now()

	fields := []zap.Field{
		zap.String("realm", b.event.Realm),
		zap.String("type", string(b.event.Type)),
	}
	if b.event.ClientID != "" {
		fields = append(fields, zap.String("client_id", b.event.ClientID))
	}
	if b.event.UserID != "" {
		fields = append(fields, zap.String("user_id", b.event.UserID))
	}
	if b.event.SessionID != "" {
		fields = append(fields, zap.String("session_id", b.event.SessionID))
	}
	if b.event.IPAddress != "" {
		fields = append(fields, zap.String("ip", b.event.IPAddress))
	}
	if b.event.Error != "" {
		fields = append(fields, zap.String("error", b.event.Error))
	}
	for k, v := range b.event.Details {
		fields = append(fields, zap.String("detail_"+k, v))
	}
	if b.event.Error != "" {
		b.recorder.log.Warn("event", fields...)
	} else {
		b.recorder.log.Info("event", fields...)
	}

	if b.recorder.store != nil {
		if err := b.recorder.store.Append(&b.event); err != nil {
			b.recorder.log.Error("persist event", zap.Error(err))
		}
	}
	if b.recorder.stream != nil {
		b.recorder.stream.Broadcast(b.event.Realm, &b.event)
	}
}
