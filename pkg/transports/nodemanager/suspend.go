package nodemanager

import "fmt"

// Suspend periods are expressed in units of 6 minutes from midnight.

func encodeSuspendGet(a args) (Request, error) {
	domain, policyID, err := domainPolicy(a)
	if err != nil {
		return Request{}, err
	}
	return newRequest(CmdSuspendGet, domain, policyID), nil
}

func encodeSuspendRemove(a args) (Request, error) {
	domain, policyID, err := domainPolicy(a)
	if err != nil {
		return Request{}, err
	}
	return newRequest(CmdSuspendSet, domain, policyID, 0x00), nil
}

func encodeSuspendSet(a args) (Request, error) {
	domain, policyID, err := domainPolicy(a)
	if err != nil {
		return Request{}, err
	}
	periods, err := a.list("periods")
	if err != nil {
		return Request{}, err
	}
	if len(periods) == 0 || len(periods) > 5 {
		return Request{}, invalid("periods", len(periods), "between 1 and 5 entries")
	}

	data := []byte{domain, policyID, byte(len(periods))}
	for i, p := range periods {
		name := fmt.Sprintf("periods[%d]", i)
		period, err := a.nested(name, p)
		if err != nil {
			return Request{}, err
		}
		start, err := period.byteArg("start")
		if err != nil {
			return Request{}, err
		}
		stop, err := period.byteArg("stop")
		if err != nil {
			return Request{}, err
		}
		days, err := period.stringList("days")
		if err != nil {
			return Request{}, err
		}
		pattern, err := composeDays(days)
		if err != nil {
			return Request{}, err
		}
		data = append(data, start, stop, pattern)
	}
	return newRequest(CmdSuspendSet, data...), nil
}

func decodeSuspend(reply []byte) (map[string]interface{}, error) {
	if len(reply) < 4 {
		return nil, wrongLength(reply)
	}
	count := int(reply[3])
	if len(reply) < 4+3*count {
		return nil, wrongLength(reply)
	}

	periods := make([]map[string]interface{}, 0, count)
	for i := 0; i < count; i++ {
		base := 4 + 3*i
		periods = append(periods, map[string]interface{}{
			"start": int(reply[base]),
			"stop":  int(reply[base+1]),
			"days":  parseDays(reply[base+2]),
		})
	}
	return map[string]interface{}{"periods": periods}, nil
}
