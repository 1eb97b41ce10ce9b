// SPDX-License-Identifier: LGPL-3.0-or-later

package hostprobe

import (
	"net"

	"github.com/vishvananda/netlink"
)

// HasIPv6 reports whether any non-loopback interface holds a global
// IPv6 address. Domain XML only advertises an ipv6 address block on
// the user-mode NIC when this is true, since passt refuses to listen
// on a family the host can't route.
func HasIPv6() bool {
	links, err := netlink.LinkList()
	if err != nil {
		return false
	}

	for _, link := range links {
		attrs := link.Attrs()
		if attrs.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := netlink.AddrList(link, netlink.FAMILY_V6)
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if addr.IP.IsGlobalUnicast() && !addr.IP.IsLinkLocalUnicast() {
				return true
			}
		}
	}
	return false
}

// HostMTU returns the MTU of the default route's outbound interface,
// falling back to 1500 when it can't be determined. Used to size the
// user-mode NIC's virtio-net MTU so the guest doesn't fragment.
func HostMTU() int {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return 1500
	}
	for _, route := range routes {
		if route.Dst != nil {
			continue
		}
		link, err := netlink.LinkByIndex(route.LinkIndex)
		if err != nil {
			continue
		}
		if mtu := link.Attrs().MTU; mtu > 0 {
			return mtu
		}
	}
	return 1500
}
