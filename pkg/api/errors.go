package api

import (
	"errors"
	"net/http"

	"github.com/platinummonkey/forgehealth/pkg/augur"
	"github.com/platinummonkey/forgehealth/pkg/dashboard"
	"github.com/platinummonkey/forgehealth/pkg/httputil"
	"github.com/platinummonkey/forgehealth/pkg/tasks"
	"github.com/platinummonkey/forgehealth/pkg/timeseries"
	"github.com/platinummonkey/forgehealth/pkg/viz"
)

// statusFor maps a service error onto an HTTP status
func statusFor(err error) int {
	switch {
	case errors.Is(err, viz.ErrUnknownVisualization),
		errors.Is(err, tasks.ErrUnknownQuery),
		errors.Is(err, augur.ErrRepoNotFound),
		errors.Is(err, dashboard.ErrSnapshotNotFound):
		return http.StatusNotFound
	case errors.Is(err, viz.ErrInvalidParam),
		errors.Is(err, tasks.ErrNoRepos),
		errors.Is(err, timeseries.ErrInvalidInterval):
		return http.StatusBadRequest
	case errors.Is(err, augur.ErrIncompleteEnvironment),
		errors.Is(err, dashboard.ErrTaskFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	httputil.WriteError(w, statusFor(err), err)
}
