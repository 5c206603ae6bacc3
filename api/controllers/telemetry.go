package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/angelmondragon/invoicesync-backend/api/responses"
	"github.com/angelmondragon/invoicesync-backend/api/validators"
	"github.com/angelmondragon/invoicesync-backend/internal/telemetry"
	pkgerrors "github.com/angelmondragon/invoicesync-backend/pkg/errors"
	"github.com/angelmondragon/invoicesync-backend/pkg/logger"
)

const maxTelemetryWindow = 30 * 24 * time.Hour

type snapshotSource interface {
	Snapshot(ctx context.Context, window time.Duration) (telemetry.Snapshot, error)
}

// AdminRetryTelemetry reports the retry snapshot. ?window= accepts a duration up to 30 days;
// omitting it uses defaultWindow.
func AdminRetryTelemetry(source snapshotSource, defaultWindow time.Duration, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		window, err := validators.ParseQueryDuration(r, "window", defaultWindow, time.Minute, maxTelemetryWindow)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		snap, err := source.Snapshot(ctx, window)
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "compute retry telemetry"))
			return
		}
		responses.WriteSuccess(w, snap)
	}
}
