// SPDX-License-Identifier: LGPL-3.0-or-later

package config

import (
	"fmt"
	"strconv"
	"strings"

	"vmsupervisor/vmerrors"
)

// parsePortForwards parses the PORT_FWD CSV of host_port:guest_port
// pairs.
func parsePortForwards(raw string) ([]PortForward, error) {
	var forwards []PortForward
	if strings.TrimSpace(raw) == "" {
		return forwards, nil
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 2 {
			return nil, vmerrors.NewConfigError("invalid PORT_FWD entry %q: expected format host_port:guest_port", entry)
		}
		hostPort, err1 := strconv.Atoi(parts[0])
		guestPort, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil {
			return nil, vmerrors.NewConfigError("invalid PORT_FWD entry %q: ports must be integers", entry)
		}
		if hostPort < 1 || hostPort > 65535 {
			return nil, vmerrors.NewConfigError("invalid PORT_FWD entry %q: host port %d out of range (1-65535)", entry, hostPort)
		}
		if guestPort < 1 || guestPort > 65535 {
			return nil, vmerrors.NewConfigError("invalid PORT_FWD entry %q: guest port %d out of range (1-65535)", entry, guestPort)
		}
		forwards = append(forwards, PortForward{HostPort: hostPort, GuestPort: guestPort})
	}
	return forwards, nil
}

// checkPortUniqueness verifies every active port across SSH/VNC/
// noVNC/Redfish/port-forwards is distinct, naming both colliding
// labels when it isn't.
func checkPortUniqueness(cfg *VMConfig) error {
	active := map[string]int{"SSH_PORT": cfg.SSHPort}
	if cfg.GraphicsType == "vnc" || cfg.NoVNCEnabled {
		active["VNC_PORT"] = cfg.VNCPort
	}
	if cfg.NoVNCEnabled {
		active["NOVNC_PORT"] = cfg.NoVNCPort
	}
	if cfg.RedfishEnabled {
		active["REDFISH_PORT"] = cfg.RedfishPort
	}
	for _, pf := range cfg.PortForwards {
		label := fmt.Sprintf("PORT_FWD(%d:%d)", pf.HostPort, pf.GuestPort)
		active[label] = pf.HostPort
	}

	seen := make(map[int]string, len(active))
	// Iterate in a stable order so error messages are deterministic.
	for _, label := range orderedLabels(active) {
		port := active[label]
		if other, ok := seen[port]; ok {
			return vmerrors.NewConfigError(
				"port conflict: %s=%d collides with %s=%d. Each service needs a unique port", label, port, other, port)
		}
		seen[port] = label
	}
	return nil
}

// orderedLabels returns active's keys in a fixed priority order
// followed by any PORT_FWD labels in insertion-independent (sorted)
// order, so the same config always reports the same pair on conflict.
func orderedLabels(active map[string]int) []string {
	priority := []string{"SSH_PORT", "VNC_PORT", "NOVNC_PORT", "REDFISH_PORT"}
	var labels []string
	for _, p := range priority {
		if _, ok := active[p]; ok {
			labels = append(labels, p)
		}
	}
	var pfLabels []string
	for label := range active {
		isPriority := false
		for _, p := range priority {
			if label == p {
				isPriority = true
				break
			}
		}
		if !isPriority {
			pfLabels = append(pfLabels, label)
		}
	}
	// PORT_FWD labels embed their own ports so a simple string sort is
	// deterministic and needs no extra bookkeeping.
	for i := 0; i < len(pfLabels); i++ {
		for j := i + 1; j < len(pfLabels); j++ {
			if pfLabels[j] < pfLabels[i] {
				pfLabels[i], pfLabels[j] = pfLabels[j], pfLabels[i]
			}
		}
	}
	return append(labels, pfLabels...)
}
