package protocol

import (
	"errors"
	"fmt"
	"reflect"
)

// ErrProtocol marks schema violations and unexpected tags. Receiving a
// message that fails registry validation is grounds for session teardown.
var ErrProtocol = errors.New("protocol error")

// Registry maps message tags to payload prototypes for one channel.
// A nil prototype registers a bare tag (no payload allowed).
type Registry struct {
	name   string
	protos map[string]func() any
}

// NewRegistry creates an empty registry named for its channel.
func NewRegistry(name string) *Registry {
	return &Registry{
		name:   name,
		protos: make(map[string]func() any),
	}
}

// Register adds a tag with a payload prototype constructor. Registering a
// tag twice is a programming error and panics at init time.
func (r *Registry) Register(tag string, proto func() any) {
	if _, ok := r.protos[tag]; ok {
		panic(fmt.Sprintf("protocol: duplicate tag %q in %s registry", tag, r.name))
	}
	r.protos[tag] = proto
}

// RegisterBare adds a tag that carries no payload.
func (r *Registry) RegisterBare(tag string) {
	r.Register(tag, nil)
}

// Name returns the channel name the registry belongs to.
func (r *Registry) Name() string {
	return r.name
}

// Tags returns every registered tag, in no particular order.
func (r *Registry) Tags() []string {
	tags := make([]string, 0, len(r.protos))
	for tag := range r.protos {
		tags = append(tags, tag)
	}
	return tags
}

// New returns a fresh payload value for tag, or (nil, false) for bare and
// unknown tags. The second return reports whether the tag is known.
func (r *Registry) New(tag string) (any, bool) {
	proto, ok := r.protos[tag]
	if !ok {
		return nil, false
	}
	if proto == nil {
		return nil, true
	}
	return proto(), true
}

// Validate checks that payload matches the registered schema for tag.
func (r *Registry) Validate(tag string, payload any) error {
	proto, ok := r.protos[tag]
	if !ok {
		return fmt.Errorf("%w: unknown tag %q on %s", ErrProtocol, tag, r.name)
	}
	if proto == nil {
		if payload != nil {
			return fmt.Errorf("%w: tag %q on %s takes no payload", ErrProtocol, tag, r.name)
		}
		return nil
	}
	if payload == nil {
		return fmt.Errorf("%w: tag %q on %s requires a payload", ErrProtocol, tag, r.name)
	}
	want := reflect.TypeOf(proto())
	got := reflect.TypeOf(payload)
	if want != got {
		return fmt.Errorf("%w: tag %q on %s wants %s, got %s",
			ErrProtocol, tag, r.name, want, got)
	}
	return nil
}
