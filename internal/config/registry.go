package config

import (
	"github.com/go-viper/mapstructure/v2"

	oprerrors "github.com/CaravanStudios/open-product-recovery-sub000/internal/pkg/errors"
)

// Builder constructs one component of type T from factory options.
type Builder[T any] func(options map[string]any) (T, error)

// Registry maps factory names to builders for one component kind, so
// config sections can select implementations by name.
type Registry[T any] struct {
	builders map[string]Builder[T]
}

// NewRegistry creates an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{builders: map[string]Builder[T]{}}
}

// Register adds a builder under a factory name, replacing any previous
// registration.
func (r *Registry[T]) Register(name string, b Builder[T]) {
	r.builders[name] = b
}

// Build constructs the component selected by the factory section.
func (r *Registry[T]) Build(f Factory) (T, error) {
	var zero T
	if f.Factory == "" {
		return zero, oprerrors.Internal("CONFIG_MISSING_FIELD", "factory name is required")
	}
	b, ok := r.builders[f.Factory]
	if !ok {
		return zero, oprerrors.Internal("CONFIG_UNKNOWN_FACTORY", "no factory registered with name %s", f.Factory)
	}
	built, err := b(f.Options)
	if err != nil {
		return zero, err
	}
	return built, nil
}

// DecodeOptions decodes a factory's options map into a typed struct
// using mapstructure tags.
func DecodeOptions(options map[string]any, out any) error {
	if err := mapstructure.Decode(options, out); err != nil {
		return oprerrors.Internal("CONFIG_WRONG_FACTORY_TYPE", "invalid factory options").WithCause(err)
	}
	return nil
}
