// SPDX-License-Identifier: LGPL-3.0-or-later

package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const doublePressWindow = 3 * time.Second

// WaitUntilStopped blocks until the domain is no longer active,
// polling domstate once a second. SIGTERM triggers an immediate
// graceful shutdown. SIGINT uses a double-press guard: the first
// press only warns, a second press within doublePressWindow shuts
// the domain down. Previous signal handlers are restored on return.
func (c *Controller) WaitUntilStopped(ctx context.Context) error {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	shutdownRequested := false
	var firstSigintAt time.Time

	doShutdown := func() {
		if shutdownRequested {
			return
		}
		shutdownRequested = true
		c.log.Info("shutting down vm")
		if err := c.virsh.Shutdown(ctx, c.cfg.VMName); err != nil {
			c.log.Info("graceful shutdown failed; destroying domain", "error", err)
			if err := c.virsh.Destroy(ctx, c.cfg.VMName); err != nil {
				c.log.Info("libvirt connection lost; vm process will terminate with container")
			}
		}
	}

	c.log.Info("waiting for domain to stop", "domain", c.cfg.VMName)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGTERM:
				c.log.Info("SIGTERM received, shutting down vm")
				doShutdown()
			case syscall.SIGINT:
				now := time.Now()
				if !firstSigintAt.IsZero() && now.Sub(firstSigintAt) < doublePressWindow {
					c.log.Info("second ctrl+c received, shutting down vm")
					doShutdown()
				} else {
					firstSigintAt = now
					c.log.Warn("press ctrl+c again within 3s to shut down the vm (or ctrl+] to detach console)")
				}
			}
		case <-ticker.C:
			active, err := c.virsh.IsActive(ctx, c.cfg.VMName)
			if err != nil {
				c.log.Info("domain no longer active", "domain", c.cfg.VMName)
				c.setState(StateStopped)
				return nil
			}
			if !active {
				c.log.Info("domain no longer active", "domain", c.cfg.VMName)
				c.setState(StateStopped)
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
