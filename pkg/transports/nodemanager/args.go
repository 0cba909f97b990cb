package nodemanager

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/openfroyo/oobctl/pkg/hardware"
)

// args are passthru arguments as they arrive from the CLI (strings),
// JSON (float64) or YAML (int).
type args map[string]interface{}

func missing(name string) error {
	return hardware.NewInvalidArgumentError(fmt.Sprintf("%s is required", name))
}

func invalid(name string, v interface{}, want string) error {
	return hardware.NewInvalidArgumentError(fmt.Sprintf("%s: %v is not %s", name, v, want))
}

func (a args) str(name string) (string, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return "", missing(name)
	}
	s, ok := v.(string)
	if !ok {
		return "", invalid(name, v, "a string")
	}
	return s, nil
}

func (a args) strOr(name, def string) (string, error) {
	if _, ok := a[name]; !ok {
		return def, nil
	}
	return a.str(name)
}

func (a args) enum(name string, table map[string]byte) (byte, error) {
	s, err := a.str(name)
	if err != nil {
		return 0, err
	}
	return enumValue(table, name, s)
}

func (a args) enumOr(name, def string, table map[string]byte) (byte, error) {
	s, err := a.strOr(name, def)
	if err != nil {
		return 0, err
	}
	return enumValue(table, name, s)
}

func toInt(name string, v interface{}) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case uint8:
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, invalid(name, v, "an integer")
		}
		return int64(n), nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 0, 64)
		if err != nil {
			return 0, invalid(name, v, "an integer")
		}
		return i, nil
	}
	return 0, invalid(name, v, "an integer")
}

func (a args) integer(name string, lo, hi int64) (int64, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return 0, missing(name)
	}
	i, err := toInt(name, v)
	if err != nil {
		return 0, err
	}
	if i < lo || i > hi {
		return 0, hardware.NewInvalidArgumentError(fmt.Sprintf("%s: %d is out of range [%d, %d]", name, i, lo, hi))
	}
	return i, nil
}

func (a args) byteArg(name string) (byte, error) {
	i, err := a.integer(name, 0, math.MaxUint8)
	return byte(i), err
}

func (a args) boolean(name string) (bool, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return false, missing(name)
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return false, invalid(name, v, "a boolean")
		}
		return parsed, nil
	}
	return false, invalid(name, v, "a boolean")
}

func (a args) list(name string) ([]interface{}, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return nil, missing(name)
	}
	switch l := v.(type) {
	case []interface{}:
		return l, nil
	case []map[string]interface{}:
		out := make([]interface{}, len(l))
		for i, m := range l {
			out[i] = m
		}
		return out, nil
	case []string:
		out := make([]interface{}, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, nil
	case string:
		// comma separated, as typed on a command line
		out := []interface{}{}
		for _, s := range strings.Split(l, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	}
	return nil, invalid(name, v, "a list")
}

func (a args) stringList(name string) ([]string, error) {
	l, err := a.list(name)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(l))
	for i, v := range l {
		s, ok := v.(string)
		if !ok {
			return nil, invalid(name, v, "a string")
		}
		out[i] = s
	}
	return out, nil
}

func (a args) nested(name string, v interface{}) (args, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, invalid(name, v, "a mapping")
	}
	return args(m), nil
}
