package observer

import (
	log "github.com/sirupsen/logrus"
)

// LogrusSink logs every Event as a structured log line via
// log.WithFields(...).
type LogrusSink struct {
	logger *log.Logger
}

// NewLogrusSink builds a LogrusSink. A nil logger uses logrus's standard
// logger.
func NewLogrusSink(logger *log.Logger) *LogrusSink {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &LogrusSink{logger: logger}
}

// Handle implements Sink.
func (s *LogrusSink) Handle(e Event) {
	entry := s.logger.WithFields(log.Fields(e.Fields)).WithField("kind", string(e.Kind))
	switch e.Kind {
	case KindUnitFailed, KindRoutingError, KindGradientLost, KindGradientOrphaned:
		entry.Warn(string(e.Kind))
	case KindMessageRejected:
		entry.Debug(string(e.Kind))
	default:
		entry.Info(string(e.Kind))
	}
}
