package metrics

import (
	"sync"
	"time"

	"smartfeed/logger"
)

// MetricType classifies a metric event. The feed only produces counters
// and gauges.
type MetricType string

const (
	TypeCounter MetricType = "counter"
	TypeGauge   MetricType = "gauge"
)

// Metric is one structured metric event: a reconnect, a dropped frame, a
// candle fetch outcome. Consumers receive their own Fields copy.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     interface{}
	Type      MetricType
	Fields    logger.Fields
}

// MetricHandler consumes metric events, the dashboard's recent-metrics
// store being the main one.
type MetricHandler func(Metric)

// MetricHandlerID identifies a registered handler for later removal.
type MetricHandlerID uint64

var (
	handlersMu    sync.RWMutex
	handlers      = make(map[MetricHandlerID]MetricHandler)
	nextHandlerID MetricHandlerID
)

// RegisterMetricHandler subscribes a handler to every published metric.
// A nil handler yields the zero id, which UnregisterMetricHandler ignores.
func RegisterMetricHandler(handler MetricHandler) MetricHandlerID {
	if handler == nil {
		return 0
	}

	handlersMu.Lock()
	defer handlersMu.Unlock()

	nextHandlerID++
	handlers[nextHandlerID] = handler
	return nextHandlerID
}

// UnregisterMetricHandler removes a previously registered handler.
func UnregisterMetricHandler(id MetricHandlerID) {
	if id == 0 {
		return
	}

	handlersMu.Lock()
	delete(handlers, id)
	handlersMu.Unlock()
}

// Emit logs a metric event and fans it out to every registered handler.
// Reserved for low-frequency events; per-tick counters go through the
// silent Publish path instead.
func Emit(log *logger.Log, component, name string, value interface{}, metricType MetricType, fields logger.Fields) {
	if name == "" {
		return
	}
	if metricType == "" {
		metricType = TypeCounter
	}
	if log == nil {
		log = logger.GetLogger()
	}

	event := Metric{
		Timestamp: time.Now(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    cloneFields(fields),
	}

	logFields := make(logger.Fields, len(event.Fields)+3)
	for k, v := range event.Fields {
		logFields[k] = v
	}
	logFields["metric"] = event.Name
	logFields["metric_type"] = string(event.Type)
	logFields["value"] = event.Value
	log.WithComponent(component).WithFields(logFields).Info("metric")

	dispatch(event)
}

// Publish fans a metric event out to the handlers without writing a log
// line for it.
func Publish(component, name string, value interface{}, metricType MetricType, fields logger.Fields) {
	if name == "" {
		return
	}
	if metricType == "" {
		metricType = TypeCounter
	}
	dispatch(Metric{
		Timestamp: time.Now(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    cloneFields(fields),
	})
}

func dispatch(event Metric) {
	handlersMu.RLock()
	targets := make([]MetricHandler, 0, len(handlers))
	for _, handler := range handlers {
		targets = append(targets, handler)
	}
	handlersMu.RUnlock()

	for _, handler := range targets {
		handler(event)
	}
}

func cloneFields(fields logger.Fields) logger.Fields {
	copied := make(logger.Fields, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return copied
}
