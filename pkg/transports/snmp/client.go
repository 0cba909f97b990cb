package snmp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/openfroyo/oobctl/pkg/hardware"
)

// DefaultPort is the SNMP agent port.
const DefaultPort = 161

// Client is the subset of gosnmp used by the transport.
type Client interface {
	Get(oids []string) (*gosnmp.SnmpPacket, error)
	Set(pdus []gosnmp.SnmpPDU) (*gosnmp.SnmpPacket, error)
	Close() error
}

// Dialer connects a Client to node's agent.
type Dialer func(ctx context.Context, node *hardware.Node) (Client, error)

type gosnmpClient struct {
	*gosnmp.GoSNMP
}

func (c gosnmpClient) Close() error {
	if c.Conn == nil {
		return nil
	}
	return c.Conn.Close()
}

// Dial builds a gosnmp session from the node's endpoint. Endpoint
// params: version (1, 2c or 3), and for v3 auth_protocol (MD5, SHA,
// SHA256, SHA512) and priv_protocol (DES, AES, AES256). The v3 privacy
// passphrase is read from Credentials.Extra["privacy_password"].
// Retries are left to the caller.
func Dial(ctx context.Context, node *hardware.Node) (Client, error) {
	g, err := sessionFor(node)
	if err != nil {
		return nil, err
	}
	g.Context = ctx
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 && d < g.Timeout {
			g.Timeout = d
		}
	}
	if err := g.Connect(); err != nil {
		return nil, hardware.ClassifyTransportError("snmp connect", err)
	}
	return gosnmpClient{g}, nil
}

func sessionFor(node *hardware.Node) (*gosnmp.GoSNMP, error) {
	port := node.Endpoint.Port
	if port == 0 {
		port = DefaultPort
	}
	g := &gosnmp.GoSNMP{
		Target:             node.Endpoint.Address,
		Port:               uint16(port),
		Timeout:            2 * time.Second,
		Retries:            0,
		ExponentialTimeout: false,
		MaxOids:            gosnmp.MaxOids,
	}

	invalid := func(format string, args ...interface{}) error {
		return hardware.NewInvalidNodeError(fmt.Sprintf(format, args...)).WithNode(node.ID())
	}

	switch v := node.Endpoint.Param("version", "2c"); v {
	case "1", "2c":
		g.Version = gosnmp.Version2c
		if v == "1" {
			g.Version = gosnmp.Version1
		}
		g.Community = node.Credentials.Community
		if g.Community == "" {
			return nil, invalid("snmp v%s needs a community", v)
		}
	case "3":
		auth, ok := authProtocols[strings.ToUpper(node.Endpoint.Param("auth_protocol", "SHA"))]
		if !ok {
			return nil, invalid("unknown snmp auth_protocol %q", node.Endpoint.Param("auth_protocol", ""))
		}
		priv, ok := privProtocols[strings.ToUpper(node.Endpoint.Param("priv_protocol", "AES"))]
		if !ok {
			return nil, invalid("unknown snmp priv_protocol %q", node.Endpoint.Param("priv_protocol", ""))
		}
		if node.Credentials.Username == "" {
			return nil, invalid("snmp v3 needs a user name")
		}
		params := &gosnmp.UsmSecurityParameters{UserName: node.Credentials.Username}
		flags := gosnmp.NoAuthNoPriv
		if node.Credentials.Password != "" {
			params.AuthenticationProtocol = auth
			params.AuthenticationPassphrase = node.Credentials.Password
			flags = gosnmp.AuthNoPriv
			if pp := node.Credentials.Extra["privacy_password"]; pp != "" {
				params.PrivacyProtocol = priv
				params.PrivacyPassphrase = pp
				flags = gosnmp.AuthPriv
			}
		}
		g.Version = gosnmp.Version3
		g.SecurityModel = gosnmp.UserSecurityModel
		g.MsgFlags = flags
		g.SecurityParameters = params
	default:
		return nil, invalid("unknown snmp version %q", v)
	}
	return g, nil
}

var authProtocols = map[string]gosnmp.SnmpV3AuthProtocol{
	"MD5":    gosnmp.MD5,
	"SHA":    gosnmp.SHA,
	"SHA256": gosnmp.SHA256,
	"SHA512": gosnmp.SHA512,
}

var privProtocols = map[string]gosnmp.SnmpV3PrivProtocol{
	"DES":    gosnmp.DES,
	"AES":    gosnmp.AES,
	"AES256": gosnmp.AES256,
}

// requestError maps a failed Get or Set.
func requestError(op string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return hardware.NewTransportError(op+": agent did not answer", err, true).WithCode(hardware.ErrCodeUnreachable)
	case strings.Contains(msg, "unknown user"),
		strings.Contains(msg, "wrong digest"),
		strings.Contains(msg, "not authentic"),
		strings.Contains(msg, "authentication"):
		return hardware.NewAuthError(op+": snmp authentication failed", err)
	}
	return hardware.ClassifyTransportError(op, err)
}

// packetError maps a response whose error-status is set.
func packetError(op string, p *gosnmp.SnmpPacket) error {
	if p.Error == gosnmp.NoError {
		return nil
	}
	msg := fmt.Sprintf("%s: agent returned %s at index %d", op, p.Error, p.ErrorIndex)
	switch p.Error {
	case gosnmp.NoAccess, gosnmp.AuthorizationError, gosnmp.NotWritable, gosnmp.ReadOnly:
		return hardware.NewAuthError(msg, nil)
	case gosnmp.ResourceUnavailable:
		return hardware.NewTransportError(msg, nil, true).WithCode(hardware.ErrCodeBusy)
	}
	return hardware.NewDeviceError(msg, nil)
}
