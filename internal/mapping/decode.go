package mapping

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// UnmarshalYAML accepts `delay: true`, `delay: 500` and `delay: "500"`.
func (d *Delay) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("%w: delay must be a scalar", ErrSyntax)
	}
	var b bool
	if value.Tag == "!!bool" {
		if err := value.Decode(&b); err != nil {
			return err
		}
		return d.UnmarshalTOML(b)
	}
	return d.UnmarshalTOML(value.Value)
}

// UnmarshalTOML implements toml.Unmarshaler.
func (d *Delay) UnmarshalTOML(v any) error {
	switch t := v.(type) {
	case bool:
		if t {
			*d = DefaultDelay
		} else {
			*d = 0
		}
	case int64:
		*d = Delay(t)
	case float64:
		*d = Delay(t)
	case string:
		*d = parseDelay(t)
	default:
		return fmt.Errorf("%w: unsupported delay %T", ErrSyntax, v)
	}
	return nil
}
