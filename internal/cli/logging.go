package cli

import (
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/sirupsen/logrus"
)

// logFormatter prints "exmapctl: <level> <message> k=v..." with fields in
// key order.
type logFormatter struct{}

func (f *logFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	b := fmt.Appendf(nil, "exmapctl: %s %s", entry.Level, entry.Message)

	for _, k := range slices.Sorted(maps.Keys(entry.Data)) {
		b = fmt.Appendf(b, " %s=%v", k, entry.Data[k])
	}

	return append(b, '\n'), nil
}

func newLogger(w io.Writer, level string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	log := logrus.New()
	log.SetOutput(w)
	log.SetFormatter(&logFormatter{})
	log.SetLevel(lvl)

	return log, nil
}
