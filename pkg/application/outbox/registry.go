package outbox

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrUnknownType      = errors.New("unknown event type")
	ErrMalformedContent = errors.New("malformed event content")
)

// IsPoison reports whether err means the payload can never be decoded.
func IsPoison(err error) bool {
	return errors.Is(err, ErrUnknownType) || errors.Is(err, ErrMalformedContent)
}

type Validator interface {
	Validate() error
}

type DecodeFunc func(content []byte) (Event, error)

// Registry maps logical event types to decoders. It is populated at startup
// and read concurrently afterwards.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]DecodeFunc
}

func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]DecodeFunc)}
}

func (r *Registry) RegisterFunc(eventType string, decode DecodeFunc) {
	if eventType == "" {
		panic("event type cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.decoders[eventType]; ok {
		panic("event type " + eventType + " is already registered")
	}
	r.decoders[eventType] = decode
}

// Register installs a strict JSON decoder for T under its logical type.
func Register[T Event](r *Registry) {
	var zero T
	r.RegisterFunc(zero.Type(), func(content []byte) (Event, error) {
		var event T
		decoder := json.NewDecoder(bytes.NewReader(content))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&event); err != nil {
			return nil, errors.Wrap(ErrMalformedContent, err.Error())
		}
		if decoder.More() {
			return nil, errors.Wrap(ErrMalformedContent, "trailing data after payload")
		}
		if v, ok := any(event).(Validator); ok {
			if err := v.Validate(); err != nil {
				return nil, errors.Wrap(ErrMalformedContent, err.Error())
			}
		}
		return event, nil
	})
}

func (r *Registry) Decode(eventType string, content []byte) (Event, error) {
	r.mu.RLock()
	decode, ok := r.decoders[eventType]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownType, "%q", eventType)
	}
	return decode(content)
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.decoders))
	for t := range r.decoders {
		types = append(types, t)
	}
	return types
}
