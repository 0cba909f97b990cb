package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

// UnmarshalYAML parses strings such as "1m30s".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string like \"5s\"", value.Line)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Inventory is the parsed inventory file.
type Inventory struct {
	Defaults Defaults `yaml:"defaults"`
	Nodes    []Node   `yaml:"nodes" validate:"dive"`
}

// Defaults apply to every node and every operation.
type Defaults struct {
	// HardwareType is used by nodes that do not set one.
	HardwareType string `yaml:"hardware_type,omitempty"`

	// Credentials and Params are merged under each node's own.
	Credentials Credentials       `yaml:"credentials,omitempty"`
	Params      map[string]string `yaml:"params,omitempty"`

	// CallTimeout bounds single calls outside power transitions.
	CallTimeout Duration `yaml:"call_timeout,omitempty" validate:"gte=0"`

	Query    *RetryConfig      `yaml:"query,omitempty"`
	Command  *RetryConfig      `yaml:"command,omitempty"`
	PowerOn  *TransitionConfig `yaml:"power_on,omitempty"`
	PowerOff *TransitionConfig `yaml:"power_off,omitempty"`
}

// RetryConfig overrides fields of a retry policy.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts,omitempty" validate:"omitempty,min=1,max=100"`
	BaseDelay   Duration `yaml:"base_delay,omitempty" validate:"gte=0"`
	MaxDelay    Duration `yaml:"max_delay,omitempty" validate:"gte=0"`
	Deadline    Duration `yaml:"deadline,omitempty" validate:"gte=0"`
	Jitter      *float64 `yaml:"jitter,omitempty" validate:"omitempty,gte=0,lt=1"`
}

// TransitionConfig overrides the bounds of a power transition.
type TransitionConfig struct {
	PollInterval   Duration     `yaml:"poll_interval,omitempty" validate:"gte=0"`
	Deadline       Duration     `yaml:"deadline,omitempty" validate:"gte=0"`
	CommandTimeout Duration     `yaml:"command_timeout,omitempty" validate:"gte=0"`
	PollTimeout    Duration     `yaml:"poll_timeout,omitempty" validate:"gte=0"`
	Command        *RetryConfig `yaml:"command,omitempty"`
	Poll           *RetryConfig `yaml:"poll,omitempty"`
}

// Credentials are the secrets a transport needs. PasswordEnv names an
// environment variable read when Password is empty.
type Credentials struct {
	Username    string            `yaml:"username,omitempty"`
	Password    string            `yaml:"password,omitempty"`
	PasswordEnv string            `yaml:"password_env,omitempty"`
	KeyFile     string            `yaml:"key_file,omitempty"`
	Community   string            `yaml:"community,omitempty"`
	Extra       map[string]string `yaml:"extra,omitempty"`
}

// Node is one inventory entry.
type Node struct {
	Name         string              `yaml:"name,omitempty" validate:"required_without=UUID"`
	UUID         string              `yaml:"uuid,omitempty" validate:"omitempty,uuid"`
	HardwareType string              `yaml:"hardware_type,omitempty"`
	Address      string              `yaml:"address,omitempty"`
	Port         int                 `yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	Params       map[string]string   `yaml:"params,omitempty"`
	Credentials  *Credentials        `yaml:"credentials,omitempty"`
	Capabilities []string            `yaml:"capabilities,omitempty" validate:"omitempty,dive,oneof=power_on power_off power_reboot get_power_state set_boot_device get_boot_device vendor_passthru"`
	Timeouts     map[string]Duration `yaml:"timeouts,omitempty"`
}

// ID is the node's name, or its UUID when unnamed.
func (n Node) ID() string {
	if n.Name != "" {
		return n.Name
	}
	return n.UUID
}
