package busmix

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// commandRouter is the slice of the reconciler the command protocol needs
type commandRouter interface {
	Route(appName, busName string) error
	SetBusVolume(busName string, volume float32) error
	SetBusMute(busName string, muted bool) error
}

// IPCServer answers the line-oriented local command protocol on a Unix
// socket: one command per line, one "OK <msg>" or "ERROR <msg>" reply each.
type IPCServer struct {
	logger    *zap.SugaredLogger
	router    commandRouter
	configMan *ConfigManager

	socketPath string
	listener   net.Listener
}

func NewIPCServer(logger *zap.SugaredLogger, router commandRouter, configMan *ConfigManager) (*IPCServer, error) {
	return newIPCServer(logger, router, configMan, defaultSocketPath())
}

func newIPCServer(logger *zap.SugaredLogger, router commandRouter, configMan *ConfigManager, socketPath string) (*IPCServer, error) {
	// a previous daemon instance may have left its socket behind
	_ = os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("bind command socket: %w", err)
	}

	s := &IPCServer{
		logger:     logger.Named("ipc"),
		router:     router,
		configMan:  configMan,
		socketPath: socketPath,
		listener:   listener,
	}

	s.logger.Infow("Command socket listening", "path", socketPath)

	return s, nil
}

func defaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir + "/busmix.sock"
	}

	return fmt.Sprintf("/run/user/%d/busmix.sock", os.Getuid())
}

// Run accepts connections until the context is canceled
func (s *IPCServer) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warnw("Failed to accept connection", "error", err)
			continue
		}

		go s.handleConnection(conn)
	}
}

func (s *IPCServer) Close() {
	_ = s.listener.Close()
	_ = os.Remove(s.socketPath)
}

func (s *IPCServer) handleConnection(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var response string
		if message, err := s.process(line); err != nil {
			response = fmt.Sprintf("ERROR %v\n", err)
		} else {
			response = fmt.Sprintf("OK %s\n", message)
		}

		if _, err := conn.Write([]byte(response)); err != nil {
			s.logger.Warnw("Failed to write response", "error", err)
			return
		}
	}
}

func (s *IPCServer) process(line string) (string, error) {
	s.logger.Debugw("Processing command", "command", line)

	parts := strings.Fields(line)

	switch parts[0] {
	case "ROUTE":
		if len(parts) != 3 {
			return "", fmt.Errorf("usage: ROUTE <app_name> <bus_name>")
		}

		if err := s.router.Route(parts[1], parts[2]); err != nil {
			return "", fmt.Errorf("route %s to %s: %w", parts[1], parts[2], err)
		}

		return fmt.Sprintf("Routed %s to %s", parts[1], parts[2]), nil

	case "SET_VOLUME":
		if len(parts) != 3 {
			return "", fmt.Errorf("usage: SET_VOLUME <bus_name> <volume>")
		}

		volume, err := strconv.ParseFloat(parts[2], 32)
		if err != nil {
			return "", fmt.Errorf("invalid volume value: %s", parts[2])
		}
		if volume < 0.0 || volume > 1.0 {
			return "", fmt.Errorf("volume must be between 0.0 and 1.0")
		}

		if err := s.router.SetBusVolume(parts[1], float32(volume)); err != nil {
			return "", err
		}

		return fmt.Sprintf("Set %s volume to %s", parts[1], parts[2]), nil

	case "MUTE":
		if len(parts) != 3 {
			return "", fmt.Errorf("usage: MUTE <bus_name> <true|false>")
		}

		muted, err := strconv.ParseBool(parts[2])
		if err != nil {
			return "", fmt.Errorf("invalid mute value: %s", parts[2])
		}

		if err := s.router.SetBusMute(parts[1], muted); err != nil {
			return "", err
		}

		return fmt.Sprintf("Set %s muted to %t", parts[1], muted), nil

	case "RELOAD_CONFIG":
		if err := s.configMan.Load(); err != nil {
			return "", fmt.Errorf("reload config: %w", err)
		}

		return "Config reloaded", nil

	default:
		return "", fmt.Errorf("unknown command: %s", parts[0])
	}
}
