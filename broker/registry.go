// Package broker implements the Broker Core dispatcher (spec §4.L): the
// single entry point application code calls Publish/Subscribe through,
// gated by the resilience mesh and backed by the reliability pipeline.
//
// Dynamic dispatch by payload type is replaced with a type-descriptor
// registry (spec §9 "dynamic dispatch by payload type"): each message
// type is registered once with a stable string name, a serializer and a
// deserializer; generics are used only to give RegisterType/Publish/
// Subscribe a typed call shape — the broker itself never reflects on the
// runtime type beyond reflect.TypeOf as the registry-key default.
package broker

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/baechuer/relay/errors"
)

// Serializer turns a typed value into wire bytes.
type Serializer func(v any) ([]byte, error)

// Deserializer turns wire bytes back into a typed value.
type Deserializer func(b []byte) (any, error)

type typeEntry struct {
	name         string
	serialize    Serializer
	deserialize  Deserializer
}

// TypeRegistry maps a stable message-type name to its (de)serializer
// pair. The broker consults it on every Publish/Subscribe call; nothing
// in the dispatch path switches on Go's runtime type.
type TypeRegistry struct {
	mu      sync.RWMutex
	byName  map[string]*typeEntry
}

func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{byName: make(map[string]*typeEntry)}
}

// Register adds a type-descriptor entry under name. Re-registering the
// same name overwrites the previous entry (used by tests and hot-reload
// style redeploys).
func (r *TypeRegistry) Register(name string, serialize Serializer, deserialize Deserializer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[name] = &typeEntry{name: name, serialize: serialize, deserialize: deserialize}
}

func (r *TypeRegistry) lookup(name string) (*typeEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return nil, errors.New(errors.CodeValidationFailed, "no type registered for message type "+name)
	}
	return e, nil
}

// defaultTypeName derives the registry key for T the way spec §9 allows:
// reflect.TypeOf purely to produce a stable string, never to branch
// dispatch logic.
func defaultTypeName[T any]() string {
	var zero T
	t := reflect.TypeOf(zero)
	if t == nil {
		return fmt.Sprintf("%T", zero)
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.PkgPath() + "." + t.Name()
}

// RegisterType is the generic entry point application code calls once
// per message type at startup. Both serialize and deserialize must be
// supplied; there is no default codec.
func RegisterType[T any](r *TypeRegistry, name string, serialize func(T) ([]byte, error), deserialize func([]byte) (T, error)) {
	r.Register(name,
		func(v any) ([]byte, error) {
			typed, ok := v.(T)
			if !ok {
				return nil, errors.New(errors.CodeValidationFailed, fmt.Sprintf("value is not of registered type %s", name))
			}
			return serialize(typed)
		},
		func(b []byte) (any, error) {
			return deserialize(b)
		},
	)
}
