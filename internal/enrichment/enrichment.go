// Package enrichment derives geographic and device attributes from an
// event's network and client metadata. Enrichment is best effort: every
// failure degrades to an empty result and is only logged.
package enrichment

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/pariz/gountries"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/chatnationwork/analytics-sub002/internal/pkg/geoip"
	ua "github.com/chatnationwork/analytics-sub002/internal/pkg/user_agent"
)

// Normalized device types.
const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
)

// Geo is the result of EnrichGeo. Both fields may be empty.
type Geo struct {
	CountryCode string
	City        string
}

// Device is the result of EnrichDevice. DeviceType is always set.
type Device struct {
	DeviceType     string
	OSName         string
	OSVersion      string
	BrowserName    string
	BrowserVersion string
	IsBot          bool
}

// GeoLookup resolves IP addresses. *geoip.DB satisfies it.
type GeoLookup interface {
	Lookup(ip net.IP) (geoip.Location, error)
}

// EnrichmentError describes a lookup that failed and was replaced by an
// empty result.
type EnrichmentError struct {
	Op    string
	Input string
	Err   error
}

func (e *EnrichmentError) Error() string {
	return fmt.Sprintf("enrichment %s failed for %q: %v", e.Op, e.Input, e.Err)
}

func (e *EnrichmentError) Unwrap() error {
	return e.Err
}

// Stage runs the enrichment lookups.
type Stage struct {
	geo       GeoLookup
	countries *gountries.Query
	parse     func(string) ua.UserAgent
	logger    *slog.Logger
}

// NewStage creates an enrichment stage. geo may be nil, which disables
// geographic enrichment.
func NewStage(geo GeoLookup, logger *slog.Logger) *Stage {
	return &Stage{
		geo:       geo,
		countries: gountries.New(),
		parse:     ua.ParseUserAgent,
		logger:    logger,
	}
}

func (s *Stage) absorb(err *EnrichmentError) {
	s.logger.Warn("Enrichment failed, continuing without it",
		slog.String("op", err.Op),
		slog.String("input", err.Input),
		slog.Any("error", err.Err))
}

// EnrichGeo resolves an IP address to an upper-case ISO country code and a
// city. Missing, private or unresolvable addresses yield an empty Geo.
func (s *Stage) EnrichGeo(ipAddress string) (geo Geo) {
	ipAddress = strings.TrimSpace(ipAddress)
	if ipAddress == "" || s.geo == nil {
		return Geo{}
	}

	defer func() {
		if r := recover(); r != nil {
			s.absorb(&EnrichmentError{Op: "geo", Input: ipAddress, Err: fmt.Errorf("panic: %v", r)})
			geo = Geo{}
		}
	}()

	ip := net.ParseIP(ipAddress)
	if ip == nil {
		s.logger.Debug("Skipping geo enrichment for invalid IP", slog.String("ip_address", ipAddress))
		return Geo{}
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() {
		return Geo{}
	}

	loc, err := s.geo.Lookup(ip)
	if errors.Is(err, geoip.ErrDisabled) {
		return Geo{}
	}
	if err != nil {
		s.absorb(&EnrichmentError{Op: "geo", Input: ipAddress, Err: err})
		return Geo{}
	}

	code := strings.ToUpper(strings.TrimSpace(loc.CountryCode))
	if code != "" {
		if _, err := s.countries.FindCountryByAlpha(code); err != nil {
			s.logger.Debug("Discarding unknown country code",
				slog.String("ip_address", ipAddress),
				slog.String("iso_code", code))
			code = ""
		}
	}

	return Geo{CountryCode: code, City: loc.City}
}

// EnrichDevice parses a user agent string. DeviceType is one of desktop,
// mobile or tablet and falls back to desktop when the string is missing or
// not recognized.
func (s *Stage) EnrichDevice(userAgent string) (dev Device) {
	dev = Device{DeviceType: DeviceDesktop}
	if strings.TrimSpace(userAgent) == "" {
		return dev
	}

	defer func() {
		if r := recover(); r != nil {
			s.absorb(&EnrichmentError{Op: "device", Input: userAgent, Err: fmt.Errorf("panic: %v", r)})
			dev = Device{DeviceType: DeviceDesktop}
		}
	}()

	parsed := s.parse(userAgent)
	if parsed.Bot {
		dev.IsBot = true
		dev.BrowserName = parsed.Browser
		return dev
	}

	dev.DeviceType = deviceType(parsed)
	dev.OSName = NormalizeOperatingSystem(parsed.OS)
	if dev.OSName != "" {
		dev.OSVersion = parsed.OSVersion
	}
	dev.BrowserName = NormalizeBrowser(parsed.Browser)
	if dev.BrowserName != "" {
		dev.BrowserVersion = parsed.BrowserVersion
	}
	return dev
}

func deviceType(parsed ua.UserAgent) string {
	switch {
	case parsed.Mobile:
		return DeviceMobile
	case parsed.Tablet:
		return DeviceTablet
	default:
		return DeviceDesktop
	}
}

// NormalizeBrowser maps parser browser names to their family name.
func NormalizeBrowser(browser string) string {
	if browser == "" || browser == ua.Unknown {
		return ""
	}

	switch strings.ToLower(browser) {
	case "internet explorer":
		return "Internet Explorer"
	case "mobile safari":
		return "Safari"
	case "chrome mobile", "chrome mobile webview":
		return "Chrome"
	case "firefox mobile":
		return "Firefox"
	case "opera mini", "opera mobile":
		return "Opera"
	case "microsoft edge", "edge mobile":
		return "Edge"
	default:
		return cases.Title(language.AmericanEnglish).String(browser)
	}
}

// NormalizeOperatingSystem normalizes operating system names to standardize them
func NormalizeOperatingSystem(os string) string {
	if os == "" || os == ua.Unknown {
		return ""
	}

	osLower := strings.ToLower(os)

	switch {
	case osLower == "ipados":
		return "iPadOS"
	case strings.Contains(osLower, "ios") || strings.Contains(osLower, "iphone os"):
		return "iOS"
	case strings.Contains(osLower, "mac") || strings.Contains(osLower, "darwin"):
		return "MacOS"
	case strings.Contains(osLower, "android"):
		return "Android"
	case strings.Contains(osLower, "windows phone"):
		return "Windows Phone"
	case strings.Contains(osLower, "windows"):
		return "Windows"
	case strings.Contains(osLower, "chrome os") || strings.Contains(osLower, "chromeos"):
		return "ChromeOS"
	case strings.Contains(osLower, "linux"):
		return "Linux"
	}

	// For other operating systems, capitalize the first letter and return as is
	return cases.Title(language.AmericanEnglish).String(os)
}
