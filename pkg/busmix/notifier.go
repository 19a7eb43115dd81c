package busmix

import (
	"github.com/gen2brain/beeep"
	"go.uber.org/zap"
)

// Notifier lets components surface issues to the desktop user without
// knowing how notifications are delivered
type Notifier interface {
	Notify(title string, message string)
}

type desktopNotifier struct {
	logger *zap.SugaredLogger
}

func NewDesktopNotifier(logger *zap.SugaredLogger) (Notifier, error) {
	logger = logger.Named("notifier")

	n := &desktopNotifier{logger: logger}

	logger.Debug("Created desktop notifier instance")

	return n, nil
}

func (n *desktopNotifier) Notify(title string, message string) {
	n.logger.Infow("Sending notification", "title", title, "message", message)

	if err := beeep.Notify(title, message, ""); err != nil {
		n.logger.Warnw("Failed to send notification", "error", err)
	}
}
