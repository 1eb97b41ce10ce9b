// SPDX-License-Identifier: LGPL-3.0-or-later

// Package supervisor starts and supervises the auxiliary daemons the
// lifecycle engine needs alongside the guest itself: virtlogd, libvirtd,
// the Redfish (sushy-emulator) endpoint, and the noVNC websocket proxy.
// It mirrors the teacher's own pattern of owning a small fleet of
// long-running child processes rather than depending on systemd units.
package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/bcrypt"

	"vmsupervisor/config"
	"vmsupervisor/logger"
	"vmsupervisor/paths"
	"vmsupervisor/vmerrors"
)

const novncRoot = "/usr/share/novnc"

// Supervisor owns the set of auxiliary child processes for one VM run.
type Supervisor struct {
	cfg   *config.VMConfig
	paths paths.Paths
	log   logger.Logger

	mu         sync.Mutex
	processes  []*managedProcess
	novncReady bool
	shutdown   bool

	storagePoolName string
	storagePoolPath string

	tpmProcess  *managedProcess
	tpmSockPath string
}

// managedProcess pairs a running child with the goroutine draining its
// exit status, so spawn() can detect an early death and Stop() never
// calls cmd.Wait() more than once for the same process.
type managedProcess struct {
	name string
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func New(cfg *config.VMConfig, p paths.Paths, log logger.Logger) *Supervisor {
	storagePool := os.Getenv("REDFISH_STORAGE_POOL")
	if storagePool == "" {
		storagePool = "default"
	}
	storagePath := os.Getenv("REDFISH_STORAGE_PATH")
	if storagePath == "" {
		storagePath = "/var/lib/libvirt/images"
	}
	return &Supervisor{
		cfg:             cfg,
		paths:           p,
		log:             log,
		storagePoolName: storagePool,
		storagePoolPath: storagePath,
	}
}

// Start brings up virtlogd and libvirtd, waits for their sockets, and
// then conditionally starts the Redfish endpoint.
func (s *Supervisor) Start(ctx context.Context, rootless bool, virsh LibvirtPoolEnsurer) error {
	if err := os.MkdirAll(s.paths.CertDir, 0o755); err != nil {
		return vmerrors.NewOperationalError("create cert dir: %v", err)
	}
	if err := os.MkdirAll(s.paths.SushyConfDir, 0o755); err != nil {
		return vmerrors.NewOperationalError("create sushy config dir: %v", err)
	}

	if err := s.startLibvirtDaemons(); err != nil {
		return err
	}
	if err := s.waitForLibvirtSockets(rootless); err != nil {
		return err
	}

	if !s.cfg.RedfishEnabled {
		s.log.Info("redfish disabled", "hint", "set REDFISH_ENABLE=1 to enable")
		return nil
	}

	if virsh != nil {
		if err := s.ensureStoragePool(ctx, virsh); err != nil {
			s.log.Warn("storage pool bring-up failed", "pool", s.storagePoolName, "error", err)
		}
	}
	return s.startSushy()
}

func (s *Supervisor) startLibvirtDaemons() error {
	for _, dir := range []string{"/run/libvirt", "/var/run/libvirt"} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return vmerrors.NewOperationalError("create %s: %v", dir, err)
		}
	}
	for _, sock := range []string{
		"/run/libvirt/libvirt-sock",
		"/var/run/libvirt/libvirt-sock",
		"/run/libvirt/virtlogd-sock",
		"/var/run/libvirt/virtlogd-sock",
	} {
		s.cleanupStaleSocket(sock)
	}

	virtlogdArgs := []string{}
	if _, err := os.Stat("/etc/libvirt/virtlogd.conf"); err == nil {
		virtlogdArgs = append(virtlogdArgs, "-f", "/etc/libvirt/virtlogd.conf")
	} else {
		s.log.Warn("virtlogd.conf not found; using built-in defaults")
	}
	if err := s.spawn("/usr/sbin/virtlogd", virtlogdArgs, "virtlogd"); err != nil {
		return err
	}

	libvirtdArgs := []string{}
	if _, err := os.Stat("/etc/libvirt/libvirtd.conf"); err == nil {
		libvirtdArgs = append(libvirtdArgs, "-f", "/etc/libvirt/libvirtd.conf")
	} else {
		s.log.Warn("libvirtd.conf not found; using built-in defaults")
	}
	if err := s.spawn("/usr/sbin/libvirtd", libvirtdArgs, "libvirtd"); err != nil {
		return err
	}
	s.log.Info("libvirt services spawned")
	return nil
}

// cleanupStaleSocket removes a libvirt domain socket left behind by a
// dead daemon, without disturbing a socket an active instance is using.
func (s *Supervisor) cleanupStaleSocket(path string) {
	info, err := os.Stat(path)
	if err != nil || info.Mode()&os.ModeSocket == 0 {
		return
	}

	conn, dialErr := net.DialTimeout("unix", path, 200*time.Millisecond)
	if dialErr == nil {
		conn.Close()
		s.log.Info("detected active libvirt socket; leaving in place", "socket", path)
		return
	}
	if !isStaleSocketErr(dialErr) {
		s.log.Warn("skipping removal of socket", "socket", path, "error", dialErr)
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.log.Warn("failed to remove stale socket", "socket", path, "error", err)
		return
	}
	s.log.Info("removed stale libvirt socket", "socket", path)
}

func isStaleSocketErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, os.ErrNotExist)
}

func (s *Supervisor) spawn(path string, args []string, name string) error {
	cmd := exec.Command(path, args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Start(); err != nil {
		return vmerrors.NewOperationalError("%s failed to start: %v", name, err)
	}

	mp := &managedProcess{name: name, cmd: cmd, done: make(chan struct{})}
	go func() {
		mp.err = cmd.Wait()
		close(mp.done)
	}()

	s.mu.Lock()
	s.processes = append(s.processes, mp)
	s.mu.Unlock()

	select {
	case <-mp.done:
		s.log.Error(fmt.Sprintf("%s failed to start", name))
		if output.Len() > 0 {
			s.log.Error(fmt.Sprintf("%s output", name), "output", output.String())
		}
		return vmerrors.NewOperationalError("%s exited prematurely: %v", name, mp.err)
	case <-time.After(500 * time.Millisecond):
		return nil
	}
}

func (s *Supervisor) waitForLibvirtSockets(rootless bool) error {
	libvirtSocks := []string{"/run/libvirt/libvirt-sock", "/var/run/libvirt/libvirt-sock"}
	virtlogdSocks := []string{"/run/libvirt/virtlogd-sock", "/var/run/libvirt/virtlogd-sock"}

	if !anyExistsWithin(libvirtSocks, 15*time.Second) {
		msg := "libvirt socket did not appear.\n" +
			"  Possible fixes:\n" +
			"    - Run with --privileged\n" +
			"    - Or add --cgroupns=host --device /dev/kvm:/dev/kvm\n" +
			"    - Ensure the container has sufficient capabilities (SYS_ADMIN, NET_ADMIN)"
		if rootless {
			s.log.Warn(msg)
			return nil
		}
		return vmerrors.NewResourceError("%s", msg)
	}
	if !anyExistsWithin(virtlogdSocks, 15*time.Second) {
		msg := "virtlogd socket did not appear.\n" +
			"  Possible fixes:\n" +
			"    - Run with --privileged\n" +
			"    - Or add --cgroupns=host\n" +
			"    - Check container logs for virtlogd errors"
		if rootless {
			s.log.Warn(msg)
			return nil
		}
		return vmerrors.NewResourceError("%s", msg)
	}
	return nil
}

// anyExistsWithin waits up to timeout for one of paths to appear. It
// watches each candidate's parent directory with fsnotify so the common
// case (libvirtd creates the socket within a few hundred ms) resolves on
// the first Create event instead of a fixed poll interval; a slow
// polling fallback covers watcher setup failures and missed events.
func anyExistsWithin(paths []string, timeout time.Duration) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return pollForExistence(paths, timeout)
	}
	defer watcher.Close()

	dirs := map[string]bool{}
	for _, p := range paths {
		dirs[filepath.Dir(p)] = true
	}
	for dir := range dirs {
		_ = watcher.Add(dir)
	}

	deadline := time.After(timeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return pollForExistence(paths, timeout)
			}
			for _, p := range paths {
				if event.Name == p {
					if _, err := os.Stat(p); err == nil {
						return true
					}
				}
			}
		case <-watcher.Errors:
			// ignore; the ticker fallback still covers this wait
		case <-ticker.C:
			for _, p := range paths {
				if _, err := os.Stat(p); err == nil {
					return true
				}
			}
		case <-deadline:
			return false
		}
	}
}

func pollForExistence(paths []string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, p := range paths {
			if _, err := os.Stat(p); err == nil {
				return true
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}

// LibvirtPoolEnsurer is the subset of libvirtclient.Client storage-pool
// bring-up needs; declared here so supervisor doesn't import
// libvirtclient for a single narrow call.
type LibvirtPoolEnsurer interface {
	EnsureStoragePool(ctx context.Context, name, targetPath string) error
}

func (s *Supervisor) ensureStoragePool(ctx context.Context, virsh LibvirtPoolEnsurer) error {
	if err := os.MkdirAll(s.storagePoolPath, 0o755); err != nil {
		return vmerrors.NewOperationalError("create storage pool path: %v", err)
	}
	return virsh.EnsureStoragePool(ctx, s.storagePoolName, s.storagePoolPath)
}

func (s *Supervisor) certPaths() (string, string) {
	return filepath.Join(s.paths.CertDir, "sushy.crt"), filepath.Join(s.paths.CertDir, "sushy.key")
}

func (s *Supervisor) ensureCertificates() error {
	crt, key := s.certPaths()
	if _, err := os.Stat(crt); err == nil {
		if _, err := os.Stat(key); err == nil {
			return nil
		}
	}
	s.log.Info("generating self-signed certificate for redfish endpoint")
	cmd := exec.Command("openssl", "req", "-x509", "-nodes", "-days", "365",
		"-newkey", "rsa:2048",
		"-keyout", key,
		"-out", crt,
		"-subj", "/CN=vmsupervisor/O=vmsupervisor",
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return vmerrors.NewOperationalError("generate certificate: %v: %s", err, string(out))
	}
	return nil
}

func (s *Supervisor) writeAuthFile() (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(s.cfg.RedfishPassword), bcrypt.DefaultCost)
	if err != nil {
		return "", vmerrors.NewOperationalError("hash redfish password: %v", err)
	}
	authPath := filepath.Join(s.paths.SushyConfDir, "htpasswd")
	line := fmt.Sprintf("%s:%s\n", s.cfg.RedfishUser, string(hashed))
	if err := os.WriteFile(authPath, []byte(line), 0o600); err != nil {
		return "", vmerrors.NewOperationalError("write htpasswd: %v", err)
	}
	return authPath, nil
}

func (s *Supervisor) writeSushyConfig(cert, key, authFile string) (string, error) {
	configPath := filepath.Join(s.paths.SushyConfDir, "sushy.conf")
	uri := libvirtURI()
	lines := []string{
		fmt.Sprintf("SUSHY_EMULATOR_LIBVIRT_URI = %q", uri),
		`SUSHY_EMULATOR_LISTEN_IP = "0.0.0.0"`,
		fmt.Sprintf("SUSHY_EMULATOR_LISTEN_PORT = %d", s.cfg.RedfishPort),
		fmt.Sprintf("SUSHY_EMULATOR_SSL_CERT = %q", cert),
		fmt.Sprintf("SUSHY_EMULATOR_SSL_KEY = %q", key),
		fmt.Sprintf("SUSHY_EMULATOR_AUTH_FILE = %q", authFile),
	}
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		return "", vmerrors.NewOperationalError("write sushy.conf: %v", err)
	}
	return configPath, nil
}

func (s *Supervisor) startSushy() error {
	if err := s.ensureCertificates(); err != nil {
		return err
	}
	cert, key := s.certPaths()
	authFile, err := s.writeAuthFile()
	if err != nil {
		return err
	}
	configFile, err := s.writeSushyConfig(cert, key, authFile)
	if err != nil {
		return err
	}

	s.log.Info("starting sushy-emulator", "port", s.cfg.RedfishPort)
	cmd := exec.Command("sushy-emulator", "--config", configFile, "--libvirt-uri", libvirtURI())
	if err := cmd.Start(); err != nil {
		return vmerrors.NewOperationalError("start sushy-emulator: %v", err)
	}
	s.track(cmd, "sushy-emulator")
	return nil
}

// track registers an already-started child for Stop() to reap, without
// the short-grace-period liveness check spawn() does for the libvirt
// daemons themselves.
func (s *Supervisor) track(cmd *exec.Cmd, name string) {
	mp := &managedProcess{name: name, cmd: cmd, done: make(chan struct{})}
	go func() {
		mp.err = cmd.Wait()
		close(mp.done)
	}()
	s.mu.Lock()
	s.processes = append(s.processes, mp)
	s.mu.Unlock()
}

// StartNoVNC launches the websockify proxy in front of the VNC port, if
// NOVNC_ENABLE=1 was set. Idempotent: a second call is a no-op.
func (s *Supervisor) StartNoVNC() error {
	if !s.cfg.NoVNCEnabled {
		return nil
	}
	s.mu.Lock()
	if s.novncReady {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if _, err := exec.LookPath("websockify"); err != nil {
		return &vmerrors.ResourceError{
			Message:     "noVNC requested but websockify is missing",
			Remediation: "install websockify inside the container image",
		}
	}
	if _, err := os.Stat(novncRoot); err != nil {
		return vmerrors.NewResourceError("noVNC static assets not found at %s", novncRoot)
	}
	if err := s.ensureCertificates(); err != nil {
		return err
	}
	cert, key := s.certPaths()

	listen := fmt.Sprintf("0.0.0.0:%d", s.cfg.NoVNCPort)
	target := fmt.Sprintf("127.0.0.1:%d", s.cfg.VNCPort)
	s.log.Info("starting novnc proxy", "web", s.cfg.NoVNCPort, "vnc", s.cfg.VNCPort)

	cmd := exec.Command("websockify", "--web", novncRoot, "--cert", cert, "--key", key, listen, target)
	if err := cmd.Start(); err != nil {
		return vmerrors.NewOperationalError("start noVNC proxy: %v", err)
	}
	s.track(cmd, "websockify")

	s.mu.Lock()
	s.novncReady = true
	s.mu.Unlock()

	s.log.Info(fmt.Sprintf("noVNC console at https://localhost:%d/vnc.html?autoconnect=1&resize=scale", s.cfg.NoVNCPort))
	return nil
}

// StartTPM launches a swtpm socket-backed TPM 2.0 emulator for vmName
// under s.paths.TPMDir and returns the control socket path domainxml
// needs to wire up the guest's tpm-crb device. A no-op if tpmEnabled is
// false. Idempotent: a second call returns the already-running socket.
func (s *Supervisor) StartTPM(tpmEnabled bool, vmName string) (string, error) {
	if !tpmEnabled {
		return "", nil
	}

	s.mu.Lock()
	if s.tpmProcess != nil {
		sock := s.tpmSockPath
		s.mu.Unlock()
		return sock, nil
	}
	s.mu.Unlock()

	tpmDir := filepath.Join(s.paths.TPMDir, vmName)
	if err := os.MkdirAll(tpmDir, 0o755); err != nil {
		return "", vmerrors.NewOperationalError("create tpm state dir: %v", err)
	}
	sockPath := filepath.Join(tpmDir, "swtpm-sock")

	cmd := exec.Command("swtpm", "socket",
		"--tpmstate", fmt.Sprintf("dir=%s", tpmDir),
		"--ctrl", fmt.Sprintf("type=unixio,path=%s", sockPath),
		"--tpm2",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || os.IsNotExist(err) {
			return "", vmerrors.NewResourceError("swtpm not found; ensure swtpm and swtpm-tools are installed")
		}
		return "", vmerrors.NewOperationalError("start swtpm: %v", err)
	}

	mp := &managedProcess{name: "swtpm", cmd: cmd, done: make(chan struct{})}
	go func() {
		mp.err = cmd.Wait()
		close(mp.done)
	}()

	select {
	case <-mp.done:
		s.log.Error("swtpm failed to start")
		if stderr.Len() > 0 {
			s.log.Error("swtpm output", "output", stderr.String())
		}
		return "", vmerrors.NewOperationalError("swtpm exited prematurely: %v", mp.err)
	case <-time.After(500 * time.Millisecond):
	}

	s.mu.Lock()
	s.processes = append(s.processes, mp)
	s.tpmProcess = mp
	s.tpmSockPath = sockPath
	s.mu.Unlock()

	s.log.Info("swtpm started", "vm", vmName, "socket", sockPath)
	return sockPath, nil
}

// Stop terminates every supervised child, SIGTERM first then SIGKILL
// after a 5s grace period per process. Idempotent.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	procs := append([]*managedProcess(nil), s.processes...)
	s.mu.Unlock()

	for _, p := range procs {
		select {
		case <-p.done:
			continue
		default:
		}
		_ = p.cmd.Process.Signal(os.Interrupt)
	}
	for _, p := range procs {
		select {
		case <-p.done:
		case <-time.After(5 * time.Second):
			_ = p.cmd.Process.Kill()
			<-p.done
		}
	}
}

func libvirtURI() string {
	if uri := os.Getenv("LIBVIRT_URI"); uri != "" {
		return uri
	}
	return "qemu:///system"
}
