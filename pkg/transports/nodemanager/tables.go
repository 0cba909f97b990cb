package nodemanager

import (
	"fmt"
	"sort"

	"github.com/openfroyo/oobctl/pkg/hardware"
)

var (
	domains = map[string]byte{
		"platform":   0x00,
		"cpu":        0x01,
		"memory":     0x02,
		"protection": 0x03,
		"io":         0x04,
	}

	triggers = map[string]byte{
		"none":        0x00,
		"temperature": 0x01,
		"power":       0x02,
		"reset":       0x03,
		"boot":        0x04,
	}

	cpuCorrections = map[string]byte{
		"auto":        0x00,
		"unagressive": 0x20,
		"aggressive":  0x40,
	}

	storages = map[string]byte{
		"persistent": 0x00,
		"volatile":   0x80,
	}

	actions = map[string]byte{
		"alert":    0x00,
		"shutdown": 0x01,
	}

	powerDomains = map[string]byte{
		"primary":   0x00,
		"secondary": 0x80,
	}

	bootModes = map[string]byte{
		"power":       0x00,
		"performance": 0x01,
	}
)

// weekdays in bit order.
var weekdays = []struct {
	name string
	bit  byte
}{
	{"monday", 0x01},
	{"tuesday", 0x02},
	{"wednesday", 0x04},
	{"thursday", 0x08},
	{"friday", 0x10},
	{"saturday", 0x20},
	{"sunday", 0x40},
}

func reverse(table map[string]byte, b byte) (string, bool) {
	for name, v := range table {
		if v == b {
			return name, true
		}
	}
	return "", false
}

func enumValue(table map[string]byte, field, value string) (byte, error) {
	if b, ok := table[value]; ok {
		return b, nil
	}
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)
	return 0, hardware.NewInvalidArgumentError(fmt.Sprintf("%s: %q is not one of %v", field, value, names))
}

func composeDays(days []string) (byte, error) {
	var pattern byte
	for _, day := range days {
		found := false
		for _, wd := range weekdays {
			if wd.name == day {
				pattern |= wd.bit
				found = true
				break
			}
		}
		if !found {
			return 0, hardware.NewInvalidArgumentError(fmt.Sprintf("days: unknown day %q", day))
		}
	}
	return pattern, nil
}

func parseDays(pattern byte) []string {
	days := []string{}
	for _, wd := range weekdays {
		if pattern&wd.bit != 0 {
			days = append(days, wd.name)
		}
	}
	return days
}
