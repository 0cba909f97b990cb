package ipmi

import (
	"errors"
	"os/exec"
	"strings"

	"github.com/openfroyo/oobctl/pkg/hardware"
)

var (
	authMarkers = []string{
		"unauthorized name",
		"rakp 2 hmac is invalid",
		"rakp 4 message has invalid integrity check",
		"invalid user name",
		"password invalid",
		"insufficient privilege level",
		"invalid session id",
	}

	busyMarkers = []string{
		"node busy",
		"command response could not be provided",
		"timeout while processing command",
		"bmc busy",
	}

	unreachableMarkers = []string{
		"unable to establish ipmi v2 / rmcp+ session",
		"unable to establish lan session",
		"get session challenge command failed",
		"get auth capabilities error",
		"no response from remote controller",
		"insufficient resources for session",
	}

	presentStateMarker = "command not supported in present state"
)

func contains(stderr string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(stderr, m) {
			return true
		}
	}
	return false
}

// classify turns an ipmitool failure into the error taxonomy based on
// its stderr.
func classify(args []string, stderr []byte, err error) error {
	msg := strings.ToLower(strings.TrimSpace(string(stderr)))
	desc := "ipmitool " + strings.Join(args, " ")
	if msg != "" {
		desc += ": " + firstLine(msg)
	}

	var execErr *exec.Error
	switch {
	case errors.As(err, &execErr):
		return hardware.NewTransportError("ipmitool is not available", err, false)
	case contains(msg, authMarkers):
		return hardware.NewAuthError(desc, err)
	case contains(msg, busyMarkers):
		return hardware.NewTransportError(desc, err, true).WithCode(hardware.ErrCodeBusy)
	case contains(msg, unreachableMarkers):
		return hardware.NewTransportError(desc, err, true).WithCode(hardware.ErrCodeUnreachable)
	case strings.Contains(msg, presentStateMarker):
		return hardware.NewDeviceError(desc, err).WithCode(presentStateCode)
	}
	return hardware.NewDeviceError(desc, err)
}

// presentStateCode marks commands the chassis refuses in its current
// power state, e.g. a power cycle while off.
const presentStateCode = "PRESENT_STATE"

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
