package instrument

import (
	"fmt"
	"time"
)

// ValueType selects how SetControlOutput interprets its value.
type ValueType string

const (
	// ValueLocal sets the control's own additive term.
	ValueLocal ValueType = "local"
	// ValueDelta adds the value to the current output.
	ValueDelta ValueType = "delta"
	// ValueOutput sets the absolute output, solving for the local term.
	ValueOutput ValueType = "output"
)

const (
	// DefaultConfirmToleranceFactor is the relative read-back tolerance used by confirmations.
	DefaultConfirmToleranceFactor = 0.02
	// DefaultConfirmTimeout bounds how long a confirmation waits for read-back.
	DefaultConfirmTimeout = 16 * time.Second
	// DefaultPollInterval is the read-back polling cadence during confirmations.
	DefaultPollInterval = 10 * time.Millisecond
)

// SetOptions tunes a SetControlOutput call. Zero values select the
// instrument defaults.
type SetOptions struct {
	ValueType              ValueType
	Confirm                bool
	ConfirmToleranceFactor float64
	ConfirmTimeout         time.Duration
	Inform                 bool
}

func (o SetOptions) valueType() (ValueType, error) {
	switch o.ValueType {
	case "":
		return ValueOutput, nil
	case ValueLocal, ValueDelta, ValueOutput:
		return o.ValueType, nil
	default:
		return "", fmt.Errorf("unknown value type %q", o.ValueType)
	}
}

// ParseSetOptions converts the dictionary form used by scripts, e.g.
// {"value_type": "delta", "confirm": true, "confirm_timeout": 0.5}.
// Timeouts are given in seconds.
func ParseSetOptions(raw map[string]interface{}) (SetOptions, error) {
	var opts SetOptions
	for key, value := range raw {
		switch key {
		case "value_type":
			s, ok := value.(string)
			if !ok {
				return SetOptions{}, fmt.Errorf("value_type: expected string, got %T", value)
			}
			opts.ValueType = ValueType(s)
			if _, err := opts.valueType(); err != nil {
				return SetOptions{}, err
			}
		case "confirm":
			b, ok := value.(bool)
			if !ok {
				return SetOptions{}, fmt.Errorf("confirm: expected bool, got %T", value)
			}
			opts.Confirm = b
		case "inform":
			b, ok := value.(bool)
			if !ok {
				return SetOptions{}, fmt.Errorf("inform: expected bool, got %T", value)
			}
			opts.Inform = b
		case "confirm_tolerance_factor":
			f, err := toFloat(value)
			if err != nil || f < 0 {
				return SetOptions{}, fmt.Errorf("confirm_tolerance_factor: invalid value %v", value)
			}
			opts.ConfirmToleranceFactor = f
		case "confirm_timeout":
			f, err := toFloat(value)
			if err != nil || f <= 0 {
				return SetOptions{}, fmt.Errorf("confirm_timeout: invalid value %v", value)
			}
			opts.ConfirmTimeout = time.Duration(f * float64(time.Second))
		default:
			return SetOptions{}, fmt.Errorf("unknown option %q", key)
		}
	}
	return opts, nil
}

func toFloat(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("expected number, got %T", value)
	}
}
