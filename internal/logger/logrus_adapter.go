package logger

import (
	"io"

	"github.com/sirupsen/logrus"
)

// NewLogrusBridge returns a *logrus.Logger whose entries are forwarded to
// the structured logger. Packages that still log through logrus (mDNS
// discovery) share the same sink and format as everything else.
func NewLogrusBridge(target Interface, level string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	if lvl, err := logrus.ParseLevel(level); err == nil {
		l.SetLevel(lvl)
	}
	l.AddHook(&forwardHook{target: target})
	return l
}

type forwardHook struct {
	target Interface
}

func (h *forwardHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *forwardHook) Fire(entry *logrus.Entry) error {
	log := h.target
	if len(entry.Data) > 0 {
		fields := make(map[string]interface{}, len(entry.Data))
		for k, v := range entry.Data {
			fields[k] = v
		}
		log = log.WithFields(fields)
	}

	switch entry.Level {
	case logrus.DebugLevel, logrus.TraceLevel:
		log.Debug(entry.Message)
	case logrus.InfoLevel:
		log.Info(entry.Message)
	case logrus.WarnLevel:
		log.Warn(entry.Message)
	default:
		log.Error(entry.Message)
	}
	return nil
}
