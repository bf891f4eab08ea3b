package state

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/timzifer/scopectl/config"
)

var (
	// ErrNotFound is returned for unknown property or control names.
	ErrNotFound = errors.New("not found")
	// ErrTypeMismatch is returned when a property is accessed with the wrong type.
	ErrTypeMismatch = errors.New("type mismatch")
)

// FloatPoint is a two dimensional point in (y, x) order.
type FloatPoint struct {
	Y float64 `json:"y"`
	X float64 `json:"x"`
}

type property struct {
	name  string
	kind  config.ValueKind
	value interface{}
}

// Properties is a set of independent, typed property slots.
//
// Properties are safe for concurrent use. Unlike controls they carry no
// dependency relations: every get and set touches exactly one slot.
type Properties struct {
	mu    sync.RWMutex
	slots map[string]*property
}

// NewProperties creates the property slots described by the configuration.
func NewProperties(cfgs []config.PropertyConfig) (*Properties, error) {
	p := &Properties{slots: make(map[string]*property, len(cfgs))}
	for _, cfg := range cfgs {
		if err := p.Declare(cfg.Name, cfg.Type, cfg.Default); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Declare adds a slot. A nil initial value yields the kind's zero value.
func (p *Properties) Declare(name string, kind config.ValueKind, initial interface{}) error {
	if name == "" {
		return errors.New("property name must not be empty")
	}
	if !kind.Valid() {
		return fmt.Errorf("property %s: unsupported type %q", name, kind)
	}
	value := zeroValue(kind)
	if initial != nil {
		converted, err := ConvertValue(kind, initial)
		if err != nil {
			return fmt.Errorf("property %s default: %w", name, err)
		}
		value = converted
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.slots[name]; exists {
		return fmt.Errorf("duplicate property %q", name)
	}
	p.slots[name] = &property{name: name, kind: kind, value: value}
	return nil
}

// Names returns the sorted property names.
func (p *Properties) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.slots))
	for name := range p.slots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Kind returns the declared kind of a property.
func (p *Properties) Kind(name string) (config.ValueKind, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	slot, ok := p.slots[name]
	if !ok {
		return "", fmt.Errorf("property %q: %w", name, ErrNotFound)
	}
	return slot.kind, nil
}

// Get returns the value of a property, checking the expected kind.
func (p *Properties) Get(name string, kind config.ValueKind) (interface{}, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	slot, ok := p.slots[name]
	if !ok {
		return nil, fmt.Errorf("property %q: %w", name, ErrNotFound)
	}
	if slot.kind != kind {
		return nil, fmt.Errorf("property %q is %s, not %s: %w", name, slot.kind, kind, ErrTypeMismatch)
	}
	return slot.value, nil
}

// Set stores a value, checking the expected kind. It returns the previous value.
func (p *Properties) Set(name string, kind config.ValueKind, value interface{}) (interface{}, error) {
	converted, err := ConvertValue(kind, value)
	if err != nil {
		return nil, fmt.Errorf("property %q: %v: %w", name, err, ErrTypeMismatch)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, ok := p.slots[name]
	if !ok {
		return nil, fmt.Errorf("property %q: %w", name, ErrNotFound)
	}
	if slot.kind != kind {
		return nil, fmt.Errorf("property %q is %s, not %s: %w", name, slot.kind, kind, ErrTypeMismatch)
	}
	previous := slot.value
	slot.value = converted
	return previous, nil
}

// Snapshot copies all current values.
func (p *Properties) Snapshot() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]interface{}, len(p.slots))
	for name, slot := range p.slots {
		out[name] = slot.value
	}
	return out
}

// Restore writes back values captured by Snapshot and returns the names whose value changed.
func (p *Properties) Restore(values map[string]interface{}) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	changed := make([]string, 0)
	for name, value := range values {
		slot, ok := p.slots[name]
		if !ok {
			continue
		}
		if slot.value != value {
			slot.value = value
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed
}

// GetBool returns the bool value of name.
func (p *Properties) GetBool(name string) (bool, error) {
	v, err := p.Get(name, config.ValueKindBool)
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// GetFloat returns the float value of name.
func (p *Properties) GetFloat(name string) (float64, error) {
	v, err := p.Get(name, config.ValueKindFloat)
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

// GetInt returns the int value of name.
func (p *Properties) GetInt(name string) (int64, error) {
	v, err := p.Get(name, config.ValueKindInt)
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// GetString returns the string value of name.
func (p *Properties) GetString(name string) (string, error) {
	v, err := p.Get(name, config.ValueKindString)
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// GetFloatPoint returns the float point value of name.
func (p *Properties) GetFloatPoint(name string) (FloatPoint, error) {
	v, err := p.Get(name, config.ValueKindFloatPoint)
	if err != nil {
		return FloatPoint{}, err
	}
	return v.(FloatPoint), nil
}

func zeroValue(kind config.ValueKind) interface{} {
	switch kind {
	case config.ValueKindBool:
		return false
	case config.ValueKindFloat:
		return 0.0
	case config.ValueKindInt:
		return int64(0)
	case config.ValueKindString:
		return ""
	case config.ValueKindFloatPoint:
		return FloatPoint{}
	}
	return nil
}

// ConvertValue coerces configuration or script values onto the property kind.
func ConvertValue(kind config.ValueKind, value interface{}) (interface{}, error) {
	switch kind {
	case config.ValueKindBool:
		if v, ok := value.(bool); ok {
			return v, nil
		}
		return nil, fmt.Errorf("expected bool value, got %T", value)
	case config.ValueKindFloat:
		return convertFloat(value)
	case config.ValueKindInt:
		return convertInt(value)
	case config.ValueKindString:
		if v, ok := value.(string); ok {
			return v, nil
		}
		return nil, fmt.Errorf("expected string value, got %T", value)
	case config.ValueKindFloatPoint:
		return convertFloatPoint(value)
	default:
		return nil, fmt.Errorf("unsupported value kind %q", kind)
	}
}

func convertFloat(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("invalid float value %v", v)
		}
		return v, nil
	case float32:
		return convertFloat(float64(v))
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("expected float value, got %T", value)
	}
}

func convertInt(value interface{}) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) || math.IsNaN(v) {
			return 0, fmt.Errorf("expected integral value, got %v", v)
		}
		return int64(v), nil
	default:
		return 0, fmt.Errorf("expected int value, got %T", value)
	}
}

func convertFloatPoint(value interface{}) (FloatPoint, error) {
	switch v := value.(type) {
	case FloatPoint:
		return v, nil
	case map[string]interface{}:
		y, err := convertFloat(v["y"])
		if err != nil {
			return FloatPoint{}, fmt.Errorf("point y: %w", err)
		}
		x, err := convertFloat(v["x"])
		if err != nil {
			return FloatPoint{}, fmt.Errorf("point x: %w", err)
		}
		return FloatPoint{Y: y, X: x}, nil
	case []interface{}:
		if len(v) != 2 {
			return FloatPoint{}, fmt.Errorf("expected [y, x], got %d elements", len(v))
		}
		y, err := convertFloat(v[0])
		if err != nil {
			return FloatPoint{}, fmt.Errorf("point y: %w", err)
		}
		x, err := convertFloat(v[1])
		if err != nil {
			return FloatPoint{}, fmt.Errorf("point x: %w", err)
		}
		return FloatPoint{Y: y, X: x}, nil
	default:
		return FloatPoint{}, fmt.Errorf("expected float point value, got %T", value)
	}
}
