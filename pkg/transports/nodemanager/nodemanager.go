// Package nodemanager encodes Intel Node Manager requests as IPMI OEM
// raw commands and decodes their replies. It does no I/O: the IPMI
// transport sends the encoded bytes and hands the reply back for
// decoding.
package nodemanager

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/openfroyo/oobctl/pkg/hardware"
)

// NetFn is the IPMI OEM/group network function.
const NetFn byte = 0x2E

// IntelID is Intel's manufacturer ID, least significant byte first.
var IntelID = []byte{0x57, 0x01, 0x00}

// Node Manager command codes.
const (
	CmdPolicyControl   byte = 0xC0
	CmdPolicySet       byte = 0xC1
	CmdPolicyGet       byte = 0xC2
	CmdSuspendSet      byte = 0xC5
	CmdSuspendGet      byte = 0xC6
	CmdCapabilitiesGet byte = 0xC9
	CmdVersionGet      byte = 0xCA
)

// Request is one encoded raw command.
type Request struct {
	NetFn   byte
	Command byte
	Data    []byte
}

func newRequest(cmd byte, data ...byte) Request {
	payload := make([]byte, 0, len(IntelID)+len(data))
	payload = append(payload, IntelID...)
	payload = append(payload, data...)
	return Request{NetFn: NetFn, Command: cmd, Data: payload}
}

// Bytes returns netfn, command and data as one slice.
func (r Request) Bytes() []byte {
	out := make([]byte, 0, 2+len(r.Data))
	out = append(out, r.NetFn, r.Command)
	return append(out, r.Data...)
}

// RawArgs formats the request the way ipmitool raw expects it.
func (r Request) RawArgs() []string {
	b := r.Bytes()
	out := make([]string, len(b))
	for i, v := range b {
		out[i] = fmt.Sprintf("0x%02X", v)
	}
	return out
}

// ParseRawReply parses ipmitool raw output, whitespace separated hex
// bytes possibly spread over several lines.
func ParseRawReply(out string) ([]byte, error) {
	fields := strings.Fields(out)
	reply := make([]byte, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(f), "0x"), 16, 8)
		if err != nil {
			return nil, hardware.NewMalformedReplyError(fmt.Sprintf("raw reply byte %q is not hex", f), []byte(out))
		}
		reply = append(reply, byte(v))
	}
	return reply, nil
}

type method struct {
	encode func(args) (Request, error)
	decode func([]byte) (map[string]interface{}, error)
}

var methods = map[string]method{
	"get_nm_version":           {encode: encodeVersionGet, decode: decodeVersion},
	"get_nm_capabilities":      {encode: encodeCapabilitiesGet, decode: decodeCapabilities},
	"get_nm_policy":            {encode: encodePolicyGet, decode: decodePolicy},
	"set_nm_policy":            {encode: encodePolicySet},
	"remove_nm_policy":         {encode: encodePolicyRemove},
	"control_nm_policy":        {encode: encodePolicyControl},
	"get_nm_policy_suspend":    {encode: encodeSuspendGet, decode: decodeSuspend},
	"set_nm_policy_suspend":    {encode: encodeSuspendSet},
	"remove_nm_policy_suspend": {encode: encodeSuspendRemove},
}

// Methods lists the passthru methods this package implements.
func Methods() []string {
	out := make([]string, 0, len(methods))
	for name := range methods {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Supports reports whether name is a Node Manager method.
func Supports(name string) bool {
	_, ok := methods[name]
	return ok
}

// Encode builds the raw request for method. Argument problems are
// reported as invalid-argument errors.
func Encode(name string, a map[string]interface{}) (Request, error) {
	m, ok := methods[name]
	if !ok {
		return Request{}, hardware.NewInvalidArgumentError(fmt.Sprintf("unknown Node Manager method %q", name))
	}
	return m.encode(args(a))
}

// Decode interprets the reply data of method, completion code already
// stripped. Methods without reply data decode to an empty map.
func Decode(name string, reply []byte) (map[string]interface{}, error) {
	m, ok := methods[name]
	if !ok {
		return nil, hardware.NewInvalidArgumentError(fmt.Sprintf("unknown Node Manager method %q", name))
	}
	if m.decode == nil {
		return map[string]interface{}{}, nil
	}
	if len(reply) < len(IntelID) {
		return nil, wrongLength(reply)
	}
	return m.decode(reply)
}

func wrongLength(reply []byte) error {
	return hardware.NewMalformedReplyError("data from Intel Node Manager has wrong length", reply)
}

func corrupted(reply []byte, field string) error {
	return hardware.NewMalformedReplyError("data from Intel Node Manager is corrupted: "+field, reply)
}

func encodeVersionGet(args) (Request, error) {
	return newRequest(CmdVersionGet), nil
}

var nmVersions = map[byte]string{
	0x01: "1.0",
	0x02: "1.5",
	0x03: "2.0",
	0x04: "2.5",
	0x05: "3.0",
}

var ipmiVersions = map[byte]string{
	0x01: "1.0",
	0x02: "2.0",
	0x03: "3.0",
}

func decodeVersion(reply []byte) (map[string]interface{}, error) {
	if len(reply) < 8 {
		return nil, wrongLength(reply)
	}
	version := func(table map[byte]string, b byte) string {
		if v, ok := table[b]; ok {
			return v
		}
		return "unknown"
	}
	return map[string]interface{}{
		"nm":       version(nmVersions, reply[3]),
		"ipmi":     version(ipmiVersions, reply[4]),
		"patch":    strconv.Itoa(int(reply[5])),
		"firmware": fmt.Sprintf("%d.%d", reply[6], reply[7]),
	}, nil
}
