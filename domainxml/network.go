// SPDX-License-Identifier: LGPL-3.0-or-later

package domainxml

import (
	"strconv"

	"vmsupervisor/config"
)

// renderInterface builds the <interface> element for one NIC. sshPort
// and portForwards are only non-nil for the primary user-mode NIC.
func renderInterface(nic config.NicConfig, bootOrderValue *int, romFile string, sshPort *int, portForwards []config.PortForward) interfaceXML {
	iface := interfaceXML{
		Type: nic.Mode,
		MAC:  macElement{Address: nic.MACAddress},
		Model: ifaceModel{Type: nic.Model},
	}
	if bootOrderValue != nil {
		iface.Boot = &bootOrder{Order: *bootOrderValue}
	}
	if romFile != "" {
		iface.ROM = &ifaceROM{File: romFile}
	}

	switch nic.Mode {
	case "user":
		iface.Backend = &ifaceBackend{Type: "passt"}
		iface.IP = &ifaceIP{Family: "ipv4", Address: "10.0.2.15", Prefix: "24"}
		if sshPort != nil {
			iface.PortForwards = append(iface.PortForwards, portForward{
				Proto: "tcp",
				Range: forwardRange{Start: strconv.Itoa(*sshPort), To: "22"},
			})
		}
		for _, pf := range portForwards {
			iface.PortForwards = append(iface.PortForwards, portForward{
				Proto: "tcp",
				Range: forwardRange{Start: strconv.Itoa(pf.HostPort), To: strconv.Itoa(pf.GuestPort)},
			})
		}
	case "bridge":
		if nic.Model == "virtio" {
			iface.Driver = &ifaceDriver{Name: "vhost"}
		}
		iface.Source = &ifaceSource{Bridge: nic.BridgeName}
	case "direct":
		if nic.Model == "virtio" {
			iface.Driver = &ifaceDriver{Name: "vhost"}
		}
		iface.Source = &ifaceSource{Dev: nic.DirectDevice, Mode: "bridge"}
	}

	return iface
}
