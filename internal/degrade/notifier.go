package degrade

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Pager delivers an incident notification to a human.
type Pager interface {
	Page(ctx context.Context, reasons []string) error
}

// LogPager pages via an error-level log entry, which the log pipeline turns
// into an alert.
type LogPager struct {
	Logger *logrus.Logger
}

func (p *LogPager) Page(ctx context.Context, reasons []string) error {
	p.Logger.WithField("reasons", reasons).Error("Incident threshold breached")
	return nil
}

// IncidentNotifier runs the same threshold evaluation as the controller over
// a longer window, purely to page a human. It holds no write access to the
// routing config: detection and mutation are decoupled so alerting can never
// cause routing side effects.
type IncidentNotifier struct {
	controller *Controller
	pager      Pager
	window     time.Duration
	logger     *logrus.Logger
}

func NewIncidentNotifier(controller *Controller, pager Pager, window time.Duration, logger *logrus.Logger) *IncidentNotifier {
	if window == 0 {
		window = 30 * time.Minute
	}
	return &IncidentNotifier{
		controller: controller,
		pager:      pager,
		window:     window,
		logger:     logger,
	}
}

// Check evaluates the incident window and pages on any breach.
func (n *IncidentNotifier) Check(ctx context.Context) error {
	_, breaches, err := n.controller.Evaluate(ctx, n.window)
	if err != nil {
		return err
	}
	if len(breaches) == 0 {
		return nil
	}
	return n.pager.Page(ctx, breaches)
}

// Run executes Check on the given interval until ctx is cancelled.
func (n *IncidentNotifier) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := n.Check(ctx); err != nil {
				n.logger.WithError(err).Error("Incident check failed")
			}
		case <-ctx.Done():
			return
		}
	}
}
