package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/oobctl/pkg/driver"
	"github.com/openfroyo/oobctl/pkg/hardware"
	"github.com/openfroyo/oobctl/pkg/reconcile"
	"github.com/openfroyo/oobctl/pkg/retry"
)

var validate = validator.New()

// Load reads and validates the inventory at path.
func Load(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory: %w", err)
	}
	inv, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return inv, nil
}

// Parse decodes and validates an inventory. Unknown keys are errors.
func Parse(data []byte) (*Inventory, error) {
	var inv Inventory
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&inv); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}
	if err := inv.Validate(); err != nil {
		return nil, err
	}
	return &inv, nil
}

// Validate checks field constraints, duplicate identities and that the
// merged policies are coherent.
func (inv *Inventory) Validate() error {
	if err := validate.Struct(inv); err != nil {
		return fmt.Errorf("invalid inventory: %w", err)
	}

	seen := make(map[string]bool, len(inv.Nodes))
	for i, n := range inv.Nodes {
		for _, key := range []string{n.Name, n.UUID} {
			if key == "" {
				continue
			}
			if seen[key] {
				return fmt.Errorf("invalid inventory: node %q is listed twice", key)
			}
			seen[key] = true
		}
		if n.HardwareType == "" && inv.Defaults.HardwareType == "" {
			return fmt.Errorf("invalid inventory: node %d (%s) has no hardware_type and there is no default", i, n.ID())
		}
		for op := range n.Timeouts {
			if !hardware.Operation(op).Valid() {
				return fmt.Errorf("invalid inventory: node %s: timeout for unknown operation %q", n.ID(), op)
			}
		}
	}

	if err := inv.Policies().Validate(); err != nil {
		return fmt.Errorf("invalid inventory policies: %w", err)
	}
	return nil
}

// Names returns the node identities in file order.
func (inv *Inventory) Names() []string {
	out := make([]string, 0, len(inv.Nodes))
	for _, n := range inv.Nodes {
		out = append(out, n.ID())
	}
	return out
}

// Node returns the node named or identified by id.
func (inv *Inventory) Node(id string) (*hardware.Node, error) {
	for _, n := range inv.Nodes {
		if n.Name == id || (n.UUID != "" && n.UUID == id) {
			return inv.ToNode(n), nil
		}
	}
	return nil, fmt.Errorf("node %q is not in the inventory", id)
}

// HardwareNodes converts every entry.
func (inv *Inventory) HardwareNodes() []*hardware.Node {
	out := make([]*hardware.Node, 0, len(inv.Nodes))
	for _, n := range inv.Nodes {
		out = append(out, inv.ToNode(n))
	}
	return out
}

// ToNode merges n with the defaults into a node handle.
func (inv *Inventory) ToNode(n Node) *hardware.Node {
	hwType := n.HardwareType
	if hwType == "" {
		hwType = inv.Defaults.HardwareType
	}

	params := make(map[string]string, len(inv.Defaults.Params)+len(n.Params))
	for k, v := range inv.Defaults.Params {
		params[k] = v
	}
	for k, v := range n.Params {
		params[k] = v
	}

	creds := inv.Defaults.Credentials
	if n.Credentials != nil {
		creds = mergeCredentials(creds, *n.Credentials)
	}

	node := &hardware.Node{
		UUID:         n.UUID,
		Name:         n.Name,
		HardwareType: hwType,
		Endpoint: hardware.Endpoint{
			Address: n.Address,
			Port:    n.Port,
			Params:  params,
		},
		Credentials: creds.resolve(),
	}
	if n.Capabilities != nil {
		node.Capabilities = make([]hardware.Operation, 0, len(n.Capabilities))
		for _, c := range n.Capabilities {
			node.Capabilities = append(node.Capabilities, hardware.Operation(c))
		}
	}
	if len(n.Timeouts) > 0 {
		node.Timeouts = make(map[hardware.Operation]time.Duration, len(n.Timeouts))
		for op, d := range n.Timeouts {
			node.Timeouts[hardware.Operation(op)] = d.Std()
		}
	}
	return node
}

func mergeCredentials(base, override Credentials) Credentials {
	out := base
	if override.Username != "" {
		out.Username = override.Username
	}
	if override.Password != "" || override.PasswordEnv != "" {
		out.Password = override.Password
		out.PasswordEnv = override.PasswordEnv
	}
	if override.KeyFile != "" {
		out.KeyFile = override.KeyFile
	}
	if override.Community != "" {
		out.Community = override.Community
	}
	if len(override.Extra) > 0 {
		extra := make(map[string]string, len(base.Extra)+len(override.Extra))
		for k, v := range base.Extra {
			extra[k] = v
		}
		for k, v := range override.Extra {
			extra[k] = v
		}
		out.Extra = extra
	}
	return out
}

func (c Credentials) resolve() hardware.Credentials {
	password := c.Password
	if password == "" && c.PasswordEnv != "" {
		password = os.Getenv(c.PasswordEnv)
	}
	return hardware.Credentials{
		Username:  c.Username,
		Password:  password,
		KeyFile:   c.KeyFile,
		Community: c.Community,
		Extra:     c.Extra,
	}
}

// Policies overlays the configured bounds on driver.DefaultPolicies.
func (inv *Inventory) Policies() driver.Policies {
	p := driver.DefaultPolicies()
	d := inv.Defaults

	if d.CallTimeout > 0 {
		p.CallTimeout = d.CallTimeout.Std()
	}
	d.Query.apply(&p.Query)
	d.Command.apply(&p.Command)
	d.PowerOn.apply(&p.PowerOn)
	d.PowerOff.apply(&p.PowerOff)
	return p
}

func (c *RetryConfig) apply(p *retry.Policy) {
	if c == nil {
		return
	}
	if c.MaxAttempts > 0 {
		p.MaxAttempts = c.MaxAttempts
	}
	if c.BaseDelay > 0 {
		p.BaseDelay = c.BaseDelay.Std()
	}
	if c.MaxDelay > 0 {
		p.MaxDelay = c.MaxDelay.Std()
	}
	if c.Deadline > 0 {
		p.Deadline = c.Deadline.Std()
	}
	if c.Jitter != nil {
		p.JitterFraction = *c.Jitter
	}
}

func (c *TransitionConfig) apply(o *reconcile.Options) {
	if c == nil {
		return
	}
	if c.PollInterval > 0 {
		o.PollInterval = c.PollInterval.Std()
	}
	if c.Deadline > 0 {
		o.Deadline = c.Deadline.Std()
	}
	if c.CommandTimeout > 0 {
		o.CommandTimeout = c.CommandTimeout.Std()
	}
	if c.PollTimeout > 0 {
		o.PollTimeout = c.PollTimeout.Std()
	}
	c.Command.apply(&o.CommandPolicy)
	c.Poll.apply(&o.PollPolicy)
}

// HardwareTypes returns the distinct hardware types in use, sorted.
func (inv *Inventory) HardwareTypes() []string {
	set := make(map[string]bool)
	for _, n := range inv.Nodes {
		t := n.HardwareType
		if t == "" {
			t = inv.Defaults.HardwareType
		}
		set[t] = true
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
