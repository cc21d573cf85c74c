package geoip

import (
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/oschwald/geoip2-golang"
)

// ErrDisabled is returned by lookups when no database is loaded.
var ErrDisabled = errors.New("geoip database not loaded")

// Location is the result of an IP lookup.
type Location struct {
	CountryCode string
	City        string
}

// DB wraps a GeoLite2 City reader that can be swapped while in use.
// A DB without a database file is valid; every lookup then returns ErrDisabled.
type DB struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	reader  *geoip2.Reader
	modTime time.Time
}

// Open loads the database at path. GeoIP is optional, so a missing or
// unreadable file is logged and yields a disabled DB rather than an error.
func Open(path string, logger *slog.Logger) *DB {
	db := &DB{path: path, logger: logger}
	if path == "" {
		logger.Debug("GeoIP database path not configured - GeoIP features disabled")
		return db
	}
	if _, err := db.Reload(); err != nil {
		logger.Warn("GeoIP database not loaded",
			slog.String("path", path),
			slog.Any("error", err))
	}
	return db
}

// Enabled reports whether a database is loaded.
func (d *DB) Enabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.reader != nil
}

// Lookup resolves an IP address to a country code and city name.
func (d *DB) Lookup(ip net.IP) (Location, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.reader == nil {
		return Location{}, ErrDisabled
	}

	record, err := d.reader.City(ip)
	if err != nil {
		return Location{}, err
	}

	return Location{
		CountryCode: record.Country.IsoCode,
		City:        record.City.Names["en"],
	}, nil
}

// Reload reopens the database if the file changed on disk since the last
// load. It reports whether a new reader was installed.
func (d *DB) Reload() (bool, error) {
	if d.path == "" {
		return false, nil
	}

	info, err := os.Stat(d.path)
	if err != nil {
		return false, err
	}

	d.mu.RLock()
	unchanged := d.reader != nil && info.ModTime().Equal(d.modTime)
	d.mu.RUnlock()
	if unchanged {
		return false, nil
	}

	reader, err := geoip2.Open(d.path)
	if err != nil {
		return false, err
	}

	d.mu.Lock()
	old := d.reader
	d.reader = reader
	d.modTime = info.ModTime()
	d.mu.Unlock()

	if old != nil {
		old.Close()
	}

	d.logger.Info("GeoLite2 database loaded",
		slog.String("path", d.path),
		slog.Int64("size_bytes", info.Size()),
		slog.Time("mod_time", info.ModTime()))
	return true, nil
}

// Close releases the reader.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.reader == nil {
		return nil
	}
	err := d.reader.Close()
	d.reader = nil
	return err
}
