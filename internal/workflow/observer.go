package workflow

import (
	"log/slog"
	"time"
)

// Observer is notified around every node execution. metrics.Collector
// implements it.
type Observer interface {
	OnNodeStart(instanceID, node string)
	OnNodeEnd(instanceID, node string, d time.Duration, err error)
}

// Observers fans out to several observers in order.
type Observers []Observer

func (o Observers) OnNodeStart(instanceID, node string) {
	for _, ob := range o {
		ob.OnNodeStart(instanceID, node)
	}
}

func (o Observers) OnNodeEnd(instanceID, node string, d time.Duration, err error) {
	for _, ob := range o {
		ob.OnNodeEnd(instanceID, node, d, err)
	}
}

// LogObserver writes node timings to a slog.Logger.
type LogObserver struct {
	Logger *slog.Logger
}

func (l LogObserver) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func (l LogObserver) OnNodeStart(instanceID, node string) {
	l.logger().Debug("node start", "instance_id", instanceID, "node", node)
}

func (l LogObserver) OnNodeEnd(instanceID, node string, d time.Duration, err error) {
	if err != nil {
		l.logger().Warn("node failed", "instance_id", instanceID, "node", node, "duration", d, "error", err)
		return
	}
	l.logger().Debug("node end", "instance_id", instanceID, "node", node, "duration", d)
}

type nopObserver struct{}

func (nopObserver) OnNodeStart(string, string)                      {}
func (nopObserver) OnNodeEnd(string, string, time.Duration, error) {}
