package store

import (
	"fmt"
	"log/slog"
	"strings"

	badger "github.com/dgraph-io/badger/v3"
)

// badger logs through its own Logger interface; route its output into the
// injected slog handler under the store's group.
type badgerLog struct {
	logger *slog.Logger
}

func newBadgerLogger(logger *slog.Logger) badger.Logger {
	return badgerLog{logger: logger.WithGroup("badger")}
}

func (l badgerLog) Errorf(format string, args ...any)   { l.logger.Error(l.render(format, args)) }
func (l badgerLog) Warningf(format string, args ...any) { l.logger.Warn(l.render(format, args)) }
func (l badgerLog) Infof(format string, args ...any)    { l.logger.Info(l.render(format, args)) }
func (l badgerLog) Debugf(format string, args ...any)   { l.logger.Debug(l.render(format, args)) }

// badger terminates its messages with a newline slog would render
// literally.
func (l badgerLog) render(format string, args []any) string {
	return strings.TrimSuffix(fmt.Sprintf(format, args...), "\n")
}
