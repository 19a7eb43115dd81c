package busmix

import (
	"bufio"
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"go.uber.org/zap"
)

// stubRouter records the calls the command protocol dispatches
type stubRouter struct {
	routed  [][2]string
	volumes map[string]float32
	mutes   map[string]bool
	fail    error
}

func newStubRouter() *stubRouter {
	return &stubRouter{
		volumes: map[string]float32{},
		mutes:   map[string]bool{},
	}
}

func (r *stubRouter) Route(appName, busName string) error {
	if r.fail != nil {
		return r.fail
	}
	r.routed = append(r.routed, [2]string{appName, busName})
	return nil
}

func (r *stubRouter) SetBusVolume(busName string, volume float32) error {
	if r.fail != nil {
		return r.fail
	}
	r.volumes[busName] = volume
	return nil
}

func (r *stubRouter) SetBusMute(busName string, muted bool) error {
	if r.fail != nil {
		return r.fail
	}
	r.mutes[busName] = muted
	return nil
}

func startTestIPCServer(t *testing.T, router commandRouter) string {
	t.Helper()

	socketPath := filepath.Join(t.TempDir(), "busmix.sock")
	server, err := newIPCServer(zap.NewNop().Sugar(), router, newTestConfig(t), socketPath)
	assert.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = server.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		server.Close()
	})

	return socketPath
}

func sendCommand(t *testing.T, conn net.Conn, reader *bufio.Reader, command string) string {
	t.Helper()

	_, err := conn.Write([]byte(command + "\n"))
	assert.NoError(t, err)

	response, err := reader.ReadString('\n')
	assert.NoError(t, err)

	return strings.TrimSpace(response)
}

func TestIPCCommands(t *testing.T) {
	router := newStubRouter()
	socketPath := startTestIPCServer(t, router)

	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	assert.NoError(t, err)
	defer func() { _ = conn.Close() }()

	reader := bufio.NewReader(conn)

	tests := []struct {
		name    string
		command string
		want    string
	}{
		{"route", "ROUTE firefox Media", "OK Routed firefox to Media"},
		{"set volume", "SET_VOLUME Game 0.75", "OK Set Game volume to 0.75"},
		{"mute", "MUTE Chat true", "OK Set Chat muted to true"},
		{"unmute", "MUTE Chat false", "OK Set Chat muted to false"},
		{"route arity", "ROUTE firefox", "ERROR usage: ROUTE <app_name> <bus_name>"},
		{"volume out of range", "SET_VOLUME Game 1.5", "ERROR volume must be between 0.0 and 1.0"},
		{"volume not a number", "SET_VOLUME Game loud", "ERROR invalid volume value: loud"},
		{"bad mute value", "MUTE Chat maybe", "ERROR invalid mute value: maybe"},
		{"unknown command", "FROBNICATE", "ERROR unknown command: FROBNICATE"},
		{"reload config", "RELOAD_CONFIG", "OK Config reloaded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sendCommand(t, conn, reader, tt.command))
		})
	}

	assert.Equal(t, [][2]string{{"firefox", "Media"}}, router.routed)
	assert.Equal(t, float32(0.75), router.volumes["Game"])
	assert.False(t, router.mutes["Chat"])
}

func TestIPCReportsRouterFailure(t *testing.T) {
	router := newStubRouter()
	router.fail = errors.New("no such bus")
	socketPath := startTestIPCServer(t, router)

	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	assert.NoError(t, err)
	defer func() { _ = conn.Close() }()

	reader := bufio.NewReader(conn)

	response := sendCommand(t, conn, reader, "ROUTE firefox Media")
	assert.True(t, strings.HasPrefix(response, "ERROR"))
	assert.True(t, strings.Contains(response, "no such bus"))
}

func TestIPCMultipleCommandsPerConnection(t *testing.T) {
	router := newStubRouter()
	socketPath := startTestIPCServer(t, router)

	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	assert.NoError(t, err)
	defer func() { _ = conn.Close() }()

	reader := bufio.NewReader(conn)

	for i := 0; i < 5; i++ {
		response := sendCommand(t, conn, reader, "SET_VOLUME Game 0.5")
		assert.Equal(t, "OK Set Game volume to 0.5", response)
	}
}

func TestIPCReplacesStaleSocket(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "busmix.sock")
	configMan := newTestConfig(t)

	first, err := newIPCServer(zap.NewNop().Sugar(), newStubRouter(), configMan, socketPath)
	assert.NoError(t, err)
	// simulate an unclean shutdown leaving the socket file behind
	_ = first.listener.Close()

	second, err := newIPCServer(zap.NewNop().Sugar(), newStubRouter(), configMan, socketPath)
	assert.NoError(t, err)
	second.Close()
}
