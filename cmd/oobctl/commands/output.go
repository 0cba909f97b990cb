package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/openfroyo/oobctl/pkg/hardware"
)

// errorView is the JSON form of a failure.
type errorView struct {
	Kind          string                 `json:"kind"`
	Code          string                 `json:"code,omitempty"`
	Message       string                 `json:"message"`
	EffectUnknown bool                   `json:"effect_unknown,omitempty"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

func newErrorView(err error) *errorView {
	if err == nil {
		return nil
	}
	v := &errorView{Kind: string(hardware.KindOf(err)), Message: err.Error()}
	if he, ok := hardware.AsError(err); ok {
		v.Code = he.Code
		v.EffectUnknown = he.EffectUnknown
		v.Details = he.Details
	}
	return v
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeMap prints m as sorted "key: value" lines.
func writeMap(w io.Writer, m map[string]interface{}) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s: %v\n", k, m[k])
	}
}

// failures turns per-node errors into the command's error.
func failures(failed, total int) error {
	if failed == 0 {
		return nil
	}
	if total == 1 {
		return fmt.Errorf("operation failed")
	}
	return fmt.Errorf("%d of %d nodes failed", failed, total)
}
