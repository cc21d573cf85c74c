package jobs

import (
	"context"
	"log/slog"
)

// GeoReloader reloads the geolocation database when its file changes.
// *geoip.DB satisfies it.
type GeoReloader interface {
	Reload() (bool, error)
}

// GeoReloadJob picks up a GeoLite database that was replaced on disk, for
// example by an external geoipupdate run, without restarting the worker.
type GeoReloadJob struct {
	geo    GeoReloader
	logger *slog.Logger
}

func NewGeoReloadJob(geo GeoReloader, logger *slog.Logger) *GeoReloadJob {
	return &GeoReloadJob{
		geo:    geo,
		logger: logger,
	}
}

// Run reloads the database if it changed. A missing file is not an error.
func (j *GeoReloadJob) Run(_ context.Context) error {
	reloaded, err := j.geo.Reload()
	if err != nil {
		j.logger.Debug("GeoIP database not reloaded", slog.Any("error", err))
		return nil
	}
	if reloaded {
		j.logger.Info("GeoIP database reloaded")
	}
	return nil
}
