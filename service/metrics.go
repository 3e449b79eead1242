package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"slides2video/models"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts processed background tasks. A nil *Metrics records nothing.
type Metrics struct {
	tasks    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slides2video",
			Name:      "tasks_total",
			Help:      "Background tasks processed, by type and result (completed, failed or error).",
		}, []string{"type", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "slides2video",
			Name:      "task_duration_seconds",
			Help:      "Time spent in background task handlers.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1200},
		}, []string{"type"}),
	}
	if err := reg.Register(m.tasks); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, fmt.Errorf("register task counter: %w", err)
		}
		m.tasks = are.ExistingCollector.(*prometheus.CounterVec)
	}
	if err := reg.Register(m.duration); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, fmt.Errorf("register task histogram: %w", err)
		}
		m.duration = are.ExistingCollector.(*prometheus.HistogramVec)
	}
	return m, nil
}

// outcome records how a task ended for the entity it worked on.
func (m *Metrics) outcome(taskType string, status models.Status) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(taskType, string(status)).Inc()
}

// Middleware wraps an asynq handler with task accounting.
func (m *Metrics) Middleware(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		start := time.Now()
		err := next.ProcessTask(ctx, t)
		if m != nil {
			m.duration.WithLabelValues(t.Type()).Observe(time.Since(start).Seconds())
			if err != nil {
				m.tasks.WithLabelValues(t.Type(), "error").Inc()
			}
		}
		return err
	})
}
