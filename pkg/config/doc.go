// Package config loads the node inventory used by the oobctl command.
//
// An inventory is a YAML file with two sections: defaults, holding the
// timing policies and the settings every node inherits, and nodes. A
// minimal file:
//
//	defaults:
//	  hardware_type: ipmi
//	  credentials:
//	    username: admin
//	    password_env: BMC_PASSWORD
//	  power_off:
//	    poll_interval: 5s
//	    deadline: 30s
//	nodes:
//	  - name: rack1-node4
//	    address: 10.0.0.14
//	  - name: tp1-n2
//	    hardware_type: turingpi
//	    address: 10.0.0.20
//	    params:
//	      node: "2"
//
// Durations are Go duration strings. Unset policy fields keep the
// driver's defaults.
package config
