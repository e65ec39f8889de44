package telemetry

import (
	"sort"

	"go.uber.org/zap"
)

// LogAlerter raises alerts as error logs plus a counter increment.
type LogAlerter struct {
	logger *zap.Logger
}

// NewLogAlerter creates a LogAlerter.
func NewLogAlerter(logger *zap.Logger) *LogAlerter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogAlerter{logger: logger}
}

// Alert logs the alert condition and counts it.
func (a *LogAlerter) Alert(name string, fields map[string]string) {
	ObserveAlert(name)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	zfields := make([]zap.Field, 0, len(keys)+1)
	zfields = append(zfields, zap.String("alert", name))
	for _, k := range keys {
		zfields = append(zfields, zap.String(k, fields[k]))
	}
	a.logger.Error("alert raised", zfields...)
}
