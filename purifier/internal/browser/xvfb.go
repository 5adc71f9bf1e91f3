package browser

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// x11SocketDir is where X servers put their listening sockets.
var x11SocketDir = "/tmp/.X11-unix"

const displayReadyTimeout = 5 * time.Second

// virtualDisplay is the X server headful Chrome draws into. A display that
// is already served when the manager starts is borrowed and never stopped.
type virtualDisplay struct {
	name   string
	socket string
	logger *slog.Logger

	cmd    *exec.Cmd
	exited chan error
}

// displaySocket maps ":99" or ":99.0" to the server's unix socket.
func displaySocket(name string) (string, error) {
	num, _, _ := strings.Cut(strings.TrimPrefix(name, ":"), ".")
	if !strings.HasPrefix(name, ":") || num == "" {
		return "", fmt.Errorf("display %q: want :N", name)
	}
	if _, err := strconv.Atoi(num); err != nil {
		return "", fmt.Errorf("display %q: want :N", name)
	}
	return filepath.Join(x11SocketDir, "X"+num), nil
}

func socketUp(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode()&os.ModeSocket != 0
}

func startDisplay(name string, logger *slog.Logger) (*virtualDisplay, error) {
	socket, err := displaySocket(name)
	if err != nil {
		return nil, err
	}
	d := &virtualDisplay{name: name, socket: socket, logger: logger}
	if socketUp(socket) {
		logger.Info("browser: using running display", "display", name)
		return d, nil
	}

	cmd := exec.Command("Xvfb", name, "-screen", "0", "1920x1080x24", "-ac", "-nolisten", "tcp")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start xvfb: %w", err)
	}
	d.cmd = cmd
	d.exited = make(chan error, 1)
	go func() { d.exited <- cmd.Wait() }()

	if err := d.waitReady(displayReadyTimeout); err != nil {
		d.stop()
		return nil, err
	}
	logger.Info("browser: display started", "display", name, "pid", cmd.Process.Pid)
	return d, nil
}

// waitReady polls for the server socket. Chrome fails to attach before it
// exists.
func (d *virtualDisplay) waitReady(timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		if socketUp(d.socket) {
			return nil
		}
		select {
		case err := <-d.exited:
			d.cmd = nil
			return fmt.Errorf("xvfb %s exited early: %v", d.name, err)
		case <-deadline.C:
			return fmt.Errorf("xvfb %s not ready after %v", d.name, timeout)
		case <-tick.C:
		}
	}
}

// stop kills a display this process started. Borrowed displays are left up.
func (d *virtualDisplay) stop() {
	if d.cmd == nil {
		return
	}
	d.cmd.Process.Kill()
	<-d.exited
	d.cmd = nil
	d.logger.Info("browser: display stopped", "display", d.name)
}

func (m *Manager) startXvfb() error {
	if m.xvfb != nil {
		return nil
	}
	d, err := startDisplay(m.cfg.XvfbDisplay, m.cfg.Logger)
	if err != nil {
		return err
	}
	m.xvfb = d
	return nil
}

func (m *Manager) stopXvfb() {
	if m.xvfb != nil {
		m.xvfb.stop()
		m.xvfb = nil
	}
}
