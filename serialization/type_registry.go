package serialization

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// TypeRegistry maps message type tags to Go types
type TypeRegistry struct {
	types map[string]reflect.Type
	names map[reflect.Type]string
	mu    sync.RWMutex
}

// NewTypeRegistry creates an empty type registry
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		types: make(map[string]reflect.Type),
		names: make(map[reflect.Type]string),
	}
}

func structType(sample any) (reflect.Type, error) {
	if sample == nil {
		return nil, fmt.Errorf("message type cannot be nil")
	}

	t := reflect.TypeOf(sample)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("message type must be a struct, got %v", t.Kind())
	}
	return t, nil
}

// Register binds typeName to the type of sample. Registering the same pair twice
// is a no-op; reusing a tag or a type for something else is an error.
func (r *TypeRegistry) Register(typeName string, sample any) error {
	if typeName == "" {
		return fmt.Errorf("type name cannot be empty")
	}

	t, err := structType(sample)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.types[typeName]; exists {
		if existing == t {
			return nil
		}
		return fmt.Errorf("type name %s already registered to %v", typeName, existing)
	}
	if existing, exists := r.names[t]; exists {
		return fmt.Errorf("type %v already registered as %s", t, existing)
	}

	r.types[typeName] = t
	r.names[t] = typeName
	return nil
}

// RegisterType registers sample under its struct name, the default type tag
func (r *TypeRegistry) RegisterType(sample any) error {
	t, err := structType(sample)
	if err != nil {
		return err
	}
	if t.Name() == "" {
		return fmt.Errorf("cannot determine type name for %v", t)
	}
	return r.Register(t.Name(), sample)
}

// Get returns the type registered for typeName
func (r *TypeRegistry) Get(typeName string) (reflect.Type, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, exists := r.types[typeName]
	if !exists {
		return nil, fmt.Errorf("type %s not registered", typeName)
	}
	return t, nil
}

// CreateInstance returns a pointer to a new zero value of the registered type
func (r *TypeRegistry) CreateInstance(typeName string) (any, error) {
	t, err := r.Get(typeName)
	if err != nil {
		return nil, err
	}
	return reflect.New(t).Interface(), nil
}

// TypeName returns the tag registered for the type of v
func (r *TypeRegistry) TypeName(v any) (string, error) {
	if v == nil {
		return "", fmt.Errorf("message cannot be nil")
	}

	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	name, exists := r.names[t]
	if !exists {
		return "", fmt.Errorf("type %v not registered", t)
	}
	return name, nil
}

// IsRegistered reports whether typeName is known
func (r *TypeRegistry) IsRegistered(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.types[typeName]
	return exists
}

// ListTypes returns every registered tag in sorted order
func (r *TypeRegistry) ListTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.types))
	for typeName := range r.types {
		types = append(types, typeName)
	}
	sort.Strings(types)
	return types
}
