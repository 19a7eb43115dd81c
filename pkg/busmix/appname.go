package busmix

import (
	"fmt"
	"os/exec"
	"strings"
	"unicode"

	"github.com/mitchellh/go-ps"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"
)

// CommandRunner abstracts subprocess execution so name resolution can be
// exercised in tests without a display server
type CommandRunner interface {
	RunShell(cmd string) ([]byte, error)
}

type systemCommandRunner struct{}

func (systemCommandRunner) RunShell(cmd string) ([]byte, error) {
	return exec.Command("sh", "-c", cmd).Output()
}

// AppNameResolver derives the human-facing application name used as the
// cache key: a window title from the stream's process tree when one exists,
// otherwise a cleaned-up binary or advertised application name.
type AppNameResolver struct {
	logger *zap.SugaredLogger
	runner CommandRunner

	// generic windows that never name an application
	ignoredWindowTitles []string
	// title prefixes meaning "use the advertised application name instead"
	fallbackPrefixes []string
	maxParentDepth   int
}

func NewAppNameResolver(logger *zap.SugaredLogger) *AppNameResolver {
	return newAppNameResolver(logger, systemCommandRunner{})
}

func newAppNameResolver(logger *zap.SugaredLogger, runner CommandRunner) *AppNameResolver {
	r := &AppNameResolver{
		logger: logger.Named("appname"),
		runner: runner,
		ignoredWindowTitles: []string{
			"XdndCollectionWindowImp",
			"Wine System Tray",
			"Default IME",
		},
		fallbackPrefixes: []string{"steam_app"},
		maxParentDepth:   3,
	}

	r.logger.Debug("Created app name resolver instance")

	return r
}

// Resolve picks the display name for a stream given its advertised
// application name, process binary path and pid. Any of the inputs may be
// missing; the result is never empty as long as one of them is present.
func (r *AppNameResolver) Resolve(appName, binaryPath string, pid int) string {
	binary := r.ExtractBinaryName(binaryPath)

	if pid > 0 {
		title, useAppName := r.findWindowTitleInTree(pid)
		if useAppName && appName != "" {
			return appName
		}
		if title != "" {
			return title
		}
	}

	base := binary
	if base == "" {
		base = appName
	}

	return capitalize(base)
}

// ExtractBinaryName reduces a process binary path to a bare name
func (r *AppNameResolver) ExtractBinaryName(path string) string {
	if path == "" {
		return ""
	}

	name := path
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		name = name[idx+1:]
	}
	if idx := strings.LastIndexByte(name, '\\'); idx >= 0 {
		name = name[idx+1:]
	}

	name = strings.TrimSuffix(name, "-bin")
	name = strings.TrimSuffix(name, ".exe")

	return name
}

// findWindowTitleInTree walks up the process tree looking for a usable
// window title. The second return value is true when the title indicates
// the advertised application name should win (wrapper processes like Steam).
func (r *AppNameResolver) findWindowTitleInTree(pid int) (string, bool) {
	current := pid

	for depth := 0; depth < r.maxParentDepth; depth++ {
		if title := r.windowTitle(current); title != "" {
			if r.shouldUseFallback(title) {
				r.logger.Debugw("Wrapper window found, deferring to application name",
					"title", title, "pid", current)
				return "", true
			}
			return title, false
		}

		parent := parentPID(current)
		if parent <= 1 {
			break
		}
		current = parent
	}

	return "", false
}

func (r *AppNameResolver) windowTitle(pid int) string {
	cmd := fmt.Sprintf(
		"xdotool search --pid %d 2>/dev/null | head -1 | xargs -r xdotool getwindowname 2>/dev/null", pid)

	output, err := r.runner.RunShell(cmd)
	if err != nil {
		return ""
	}

	title := strings.TrimSpace(string(output))
	if title == "" || funk.ContainsString(r.ignoredWindowTitles, title) {
		return ""
	}

	return title
}

func (r *AppNameResolver) shouldUseFallback(title string) bool {
	for _, prefix := range r.fallbackPrefixes {
		if strings.HasPrefix(title, prefix) {
			return true
		}
	}

	return false
}

func parentPID(pid int) int {
	process, err := ps.FindProcess(pid)
	if err != nil || process == nil {
		return 0
	}

	return process.PPid()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}

	runes := []rune(s)
	runes[0] = unicode.ToUpper(runes[0])

	return string(runes)
}
