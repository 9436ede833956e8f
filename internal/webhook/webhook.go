// Package webhook receives GitHub webhook deliveries.  Events are
// verified and logged only; scaling remains purely pull-based through
// the reconciliation loop.
package webhook

import (
	"log/slog"
	"net/http"

	gh "github.com/google/go-github/v69/github"
)

// Handler returns the webhook endpoint handler.  When secret is
// non-empty the X-Hub-Signature-256 header is verified and mismatches
// are rejected.
func Handler(secret []byte, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := gh.ValidatePayload(r, secret)
		if err != nil {
			logger.Warn("rejected webhook delivery",
				slog.String("deliveryID", gh.DeliveryID(r)),
				slog.String("error", err.Error()),
			)
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}

		eventType := gh.WebHookType(r)
		logger.Info("received webhook",
			slog.String("event", eventType),
			slog.String("deliveryID", gh.DeliveryID(r)),
		)

		// workflow_job events carry the labels a queued job wants;
		// surface them for operators sizing their pools.
		if event, err := gh.ParseWebHook(eventType, payload); err == nil {
			if job, ok := event.(*gh.WorkflowJobEvent); ok {
				logger.Info("workflow job event",
					slog.String("action", job.GetAction()),
					slog.String("runner", job.GetWorkflowJob().GetRunnerName()),
					slog.Any("labels", job.GetWorkflowJob().Labels),
				)
			}
		}

		w.WriteHeader(http.StatusOK)
	}
}
