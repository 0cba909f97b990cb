package nodemanager

import (
	"encoding/binary"
	"math"
)

func domainPolicy(a args) (domain, policyID byte, err error) {
	if domain, err = a.enum("domain_id", domains); err != nil {
		return 0, 0, err
	}
	if policyID, err = a.byteArg("policy_id"); err != nil {
		return 0, 0, err
	}
	return domain, policyID, nil
}

func encodePolicyGet(a args) (Request, error) {
	domain, policyID, err := domainPolicy(a)
	if err != nil {
		return Request{}, err
	}
	return newRequest(CmdPolicyGet, domain, policyID), nil
}

// encodePolicyRemove sends a policy set with the add flag cleared; the
// trailing fields are ignored by the controller.
func encodePolicyRemove(a args) (Request, error) {
	domain, policyID, err := domainPolicy(a)
	if err != nil {
		return Request{}, err
	}
	data := append([]byte{domain, policyID}, make([]byte, 12)...)
	return newRequest(CmdPolicySet, data...), nil
}

func encodePolicySet(a args) (Request, error) {
	domain, policyID, err := domainPolicy(a)
	if err != nil {
		return Request{}, err
	}
	enable, err := a.boolean("enable")
	if err != nil {
		return Request{}, err
	}
	trigger, err := a.enum("policy_trigger", triggers)
	if err != nil {
		return Request{}, err
	}
	correction, err := a.enumOr("cpu_power_correction", "auto", cpuCorrections)
	if err != nil {
		return Request{}, err
	}
	storage, err := a.enumOr("storage", "persistent", storages)
	if err != nil {
		return Request{}, err
	}
	action, err := a.enum("action", actions)
	if err != nil {
		return Request{}, err
	}
	powerDomain, err := a.enum("power_domain", powerDomains)
	if err != nil {
		return Request{}, err
	}
	limit, err := targetLimit(a)
	if err != nil {
		return Request{}, err
	}
	correctionTime, err := a.integer("correction_time", 0, math.MaxUint32)
	if err != nil {
		return Request{}, err
	}
	var triggerLimit int64
	if trigger != triggers["none"] && trigger != triggers["boot"] {
		if triggerLimit, err = a.integer("trigger_limit", 0, math.MaxUint16); err != nil {
			return Request{}, err
		}
	}
	reporting, err := a.integer("reporting_period", 0, math.MaxUint16)
	if err != nil {
		return Request{}, err
	}

	flags := domain
	if enable {
		flags |= 0x10
	}
	// 0x10 in the trigger byte marks a policy add.
	data := []byte{
		flags,
		policyID,
		trigger | correction | storage | 0x10,
		action | powerDomain,
	}
	data = binary.LittleEndian.AppendUint16(data, limit)
	data = binary.LittleEndian.AppendUint32(data, uint32(correctionTime))
	data = binary.LittleEndian.AppendUint16(data, uint16(triggerLimit))
	data = binary.LittleEndian.AppendUint16(data, uint16(reporting))
	return newRequest(CmdPolicySet, data...), nil
}

// targetLimit is either a plain limit or, for boot time policies, a
// boot mode with a number of disabled cores.
func targetLimit(a args) (uint16, error) {
	v, ok := a["target_limit"]
	if !ok || v == nil {
		return 0, missing("target_limit")
	}
	if _, isMap := v.(map[string]interface{}); !isMap {
		limit, err := a.integer("target_limit", 0, math.MaxUint16)
		return uint16(limit), err
	}

	boot, err := a.nested("target_limit", v)
	if err != nil {
		return 0, err
	}
	mode, err := boot.enum("boot_mode", bootModes)
	if err != nil {
		return 0, err
	}
	cores, err := boot.integer("cores_disabled", 0, 0x7F)
	if err != nil {
		return 0, err
	}
	return uint16(mode) | uint16(cores)<<1, nil
}

func decodePolicy(reply []byte) (map[string]interface{}, error) {
	if len(reply) < 16 {
		return nil, wrongLength(reply)
	}
	domain, ok := reverse(domains, reply[3]&0x0F)
	if !ok {
		return nil, corrupted(reply, "domain")
	}
	trigger, ok := reverse(triggers, reply[4]&0x0F)
	if !ok {
		return nil, corrupted(reply, "policy trigger")
	}
	correction, ok := reverse(cpuCorrections, reply[4]&0x60)
	if !ok {
		return nil, corrupted(reply, "cpu power correction")
	}
	storage, _ := reverse(storages, reply[4]&0x80)
	action, _ := reverse(actions, reply[5]&0x01)
	powerDomain, _ := reverse(powerDomains, reply[5]&0x80)

	values := reply[6:16]
	return map[string]interface{}{
		"domain_id":            domain,
		"enabled":              reply[3]&0x10 != 0,
		"per_domain_enabled":   reply[3]&0x20 != 0,
		"global_enabled":       reply[3]&0x40 != 0,
		"created_by_nm":        reply[3]&0x80 == 0,
		"policy_trigger":       trigger,
		"power_policy":         reply[4]&0x10 != 0,
		"cpu_power_correction": correction,
		"storage":              storage,
		"action":               action,
		"power_domain":         powerDomain,
		"target_limit":         int(binary.LittleEndian.Uint16(values[0:2])),
		"correction_time":      int(binary.LittleEndian.Uint32(values[2:6])),
		"trigger_limit":        int(binary.LittleEndian.Uint16(values[6:8])),
		"reporting_period":     int(binary.LittleEndian.Uint16(values[8:10])),
	}, nil
}

func encodePolicyControl(a args) (Request, error) {
	enable, err := a.boolean("enable")
	if err != nil {
		return Request{}, err
	}
	scope, err := a.str("scope")
	if err != nil {
		return Request{}, err
	}

	var flags, domain, policyID byte
	switch scope {
	case "global":
		flags = 0x00
	case "domain":
		flags = 0x02
		if domain, err = a.enum("domain_id", domains); err != nil {
			return Request{}, err
		}
	case "policy":
		flags = 0x04
		if domain, policyID, err = domainPolicy(a); err != nil {
			return Request{}, err
		}
	default:
		return Request{}, invalid("scope", scope, "one of global, domain, policy")
	}
	if enable {
		flags |= 0x01
	}
	return newRequest(CmdPolicyControl, flags, domain, policyID), nil
}

func encodeCapabilitiesGet(a args) (Request, error) {
	domain, err := a.enum("domain_id", domains)
	if err != nil {
		return Request{}, err
	}
	trigger, err := a.enum("policy_trigger", triggers)
	if err != nil {
		return Request{}, err
	}
	powerDomain, err := a.enum("power_domain", powerDomains)
	if err != nil {
		return Request{}, err
	}
	const powerPolicy = 0x10
	return newRequest(CmdCapabilitiesGet, domain, trigger|powerPolicy|powerDomain), nil
}

func decodeCapabilities(reply []byte) (map[string]interface{}, error) {
	if len(reply) < 21 {
		return nil, wrongLength(reply)
	}
	domain, ok := reverse(domains, reply[20]&0x0F)
	if !ok {
		return nil, corrupted(reply, "domain")
	}
	powerDomain, _ := reverse(powerDomains, reply[20]&0x80)

	v := reply[4:20]
	return map[string]interface{}{
		"max_policies":         int(reply[3]),
		"max_limit_value":      int(binary.LittleEndian.Uint16(v[0:2])),
		"min_limit_value":      int(binary.LittleEndian.Uint16(v[2:4])),
		"min_correction_time":  int(binary.LittleEndian.Uint32(v[4:8])),
		"max_correction_time":  int(binary.LittleEndian.Uint32(v[8:12])),
		"min_reporting_period": int(binary.LittleEndian.Uint16(v[12:14])),
		"max_reporting_period": int(binary.LittleEndian.Uint16(v[14:16])),
		"domain_id":            domain,
		"power_domain":         powerDomain,
	}, nil
}
