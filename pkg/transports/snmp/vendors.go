package snmp

import (
	"sort"
	"strconv"
)

// Vendor describes how one PDU family exposes outlet control: a
// per-outlet OID and the integer values meaning on and off.
type Vendor struct {
	// OIDPrefix is completed with the outlet index and OIDSuffix.
	OIDPrefix string
	OIDSuffix string
	On        int
	Off       int
}

// OID returns the control OID of outlet.
func (v Vendor) OID(outlet int) string {
	return v.OIDPrefix + "." + strconv.Itoa(outlet) + v.OIDSuffix
}

var vendors = map[string]Vendor{
	// PowerNet-MIB sPDUOutletCtl
	"apc": {OIDPrefix: "1.3.6.1.4.1.318.1.1.4.4.2.1.3", On: 1, Off: 2},
	// PowerNet-MIB rPDUOutletControlOutletCommand
	"apc_rackpdu": {OIDPrefix: "1.3.6.1.4.1.318.1.1.12.3.3.1.1.4", On: 1, Off: 2},
	// CPS-MIB ePDUOutletControlOutletCommand
	"cyberpower": {OIDPrefix: "1.3.6.1.4.1.3808.1.1.3.3.3.1.1.4", On: 1, Off: 2},
	"teltronix":  {OIDPrefix: "1.3.6.1.4.1.23620.1.2.2.1.4", On: 2, Off: 1},
	"aten":       {OIDPrefix: "1.3.6.1.4.1.21317.1.3.2.2.2.2", OIDSuffix: ".0", On: 2, Off: 1},
}

// Vendors lists the supported "driver" param values.
func Vendors() []string {
	out := make([]string, 0, len(vendors))
	for name := range vendors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// LookupVendor returns the outlet table of driver.
func LookupVendor(driver string) (Vendor, bool) {
	v, ok := vendors[driver]
	return v, ok
}
