package user_agent

import (
	_ "embed"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.elara.ws/pcre"
	"gopkg.in/yaml.v3"
)

type UserAgent struct {
	UserAgent      string
	OS             string
	OSVersion      string
	Browser        string
	BrowserVersion string
	Device         string
	Mobile         bool
	Tablet         bool
	Desktop        bool
	Bot            bool
}

// Device categories reported in UserAgent.Device.
const (
	DeviceSmartphone = "smartphone"
	DeviceTablet     = "tablet"
	DeviceDesktop    = "desktop"
	DeviceTV         = "tv"
	DeviceConsole    = "console"
	DeviceBot        = "bot"
)

// Unknown is reported when no rule matches.
const Unknown = "Unknown"

//go:embed database/regexes.yml
var databaseFile []byte

// Browser entry structure
type BrowserEntry struct {
	Regex   string `yaml:"regex"`
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// OS entry structure
type OSEntry struct {
	Regex    string            `yaml:"regex"`
	Name     string            `yaml:"name"`
	Version  string            `yaml:"version"`
	Versions map[string]string `yaml:"versions"`
}

// Device entry structure
type DeviceEntry struct {
	Regex  string `yaml:"regex"`
	Device string `yaml:"device"`
}

// Bot entry structure
type BotEntry struct {
	Regex string `yaml:"regex"`
	Name  string `yaml:"name"`
}

type database struct {
	Bots     []BotEntry     `yaml:"bots"`
	Browsers []BrowserEntry `yaml:"browsers"`
	OSs      []OSEntry      `yaml:"oss"`
	Devices  []DeviceEntry  `yaml:"devices"`
}

// Compiled regex cache
type RegexCache struct {
	compiled map[string]*pcre.Regexp
	mutex    sync.RWMutex
}

func newRegexCache() *RegexCache {
	return &RegexCache{
		compiled: make(map[string]*pcre.Regexp),
	}
}

func (rc *RegexCache) get(pattern string) (*pcre.Regexp, error) {
	rc.mutex.RLock()
	if regex, exists := rc.compiled[pattern]; exists {
		rc.mutex.RUnlock()
		return regex, nil
	}
	rc.mutex.RUnlock()

	rc.mutex.Lock()
	defer rc.mutex.Unlock()

	// Double-check pattern
	if regex, exists := rc.compiled[pattern]; exists {
		return regex, nil
	}

	regex, err := pcre.Compile("(?i)" + pattern)
	if err != nil {
		return nil, err
	}
	rc.compiled[pattern] = regex
	return regex, nil
}

// Global parser instance
var (
	parser *DeviceDetectorParser
	once   sync.Once
)

type DeviceDetectorParser struct {
	db         database
	regexCache *RegexCache
}

func getParser() *DeviceDetectorParser {
	once.Do(func() {
		parser = &DeviceDetectorParser{regexCache: newRegexCache()}
		if err := yaml.Unmarshal(databaseFile, &parser.db); err != nil {
			slog.Error("Error parsing user agent database", slog.Any("error", err))
		}
	})
	return parser
}

// substitute replaces $1, $2, etc. with the matching capture groups.
func substitute(template string, matches []string) string {
	if template == "" || len(matches) < 2 {
		return template
	}
	out := template
	for i := len(matches) - 1; i >= 1; i-- {
		out = strings.ReplaceAll(out, fmt.Sprintf("$%d", i), matches[i])
	}
	return out
}

func (p *DeviceDetectorParser) match(pattern, userAgent string) []string {
	regex, err := p.regexCache.get(pattern)
	if err != nil {
		return nil
	}
	// pcre reports a miss as an empty slice, not nil.
	if matches := regex.FindStringSubmatch(userAgent); len(matches) > 0 {
		return matches
	}
	return nil
}

func (p *DeviceDetectorParser) parseBot(userAgent string) *BotEntry {
	for i := range p.db.Bots {
		if p.match(p.db.Bots[i].Regex, userAgent) != nil {
			return &p.db.Bots[i]
		}
	}
	return nil
}

func (p *DeviceDetectorParser) parseBrowser(userAgent string) (string, string) {
	for _, entry := range p.db.Browsers {
		if matches := p.match(entry.Regex, userAgent); matches != nil {
			return entry.Name, substitute(entry.Version, matches)
		}
	}
	return Unknown, ""
}

func (p *DeviceDetectorParser) parseOS(userAgent string) (string, string) {
	for _, entry := range p.db.OSs {
		if matches := p.match(entry.Regex, userAgent); matches != nil {
			version := strings.ReplaceAll(substitute(entry.Version, matches), "_", ".")
			if mapped, ok := entry.Versions[version]; ok {
				version = mapped
			}
			return entry.Name, version
		}
	}
	return Unknown, ""
}

func (p *DeviceDetectorParser) parseDevice(userAgent string) string {
	for _, entry := range p.db.Devices {
		if p.match(entry.Regex, userAgent) != nil {
			return entry.Device
		}
	}

	// Fallback device detection based on user agent patterns
	ua := strings.ToLower(userAgent)

	// Check for tablet indicators first (they often contain "mobile" too)
	if strings.Contains(ua, "tablet") || strings.Contains(ua, "ipad") {
		return DeviceTablet
	}

	if strings.Contains(ua, "mobile") || strings.Contains(ua, "android") ||
		strings.Contains(ua, "iphone") || strings.Contains(ua, "ipod") ||
		strings.Contains(ua, "blackberry") || strings.Contains(ua, "windows phone") {
		return DeviceSmartphone
	}

	// Default to desktop
	return DeviceDesktop
}

func ParseUserAgent(userAgent string) UserAgent {
	parser := getParser()

	// Check for bots first
	if bot := parser.parseBot(userAgent); bot != nil {
		return UserAgent{
			UserAgent: userAgent,
			OS:        Unknown,
			Browser:   bot.Name,
			Device:    DeviceBot,
			Bot:       true,
		}
	}

	browser, browserVersion := parser.parseBrowser(userAgent)
	os, osVersion := parser.parseOS(userAgent)
	device := parser.parseDevice(userAgent)

	return UserAgent{
		UserAgent:      userAgent,
		OS:             os,
		OSVersion:      osVersion,
		Browser:        browser,
		BrowserVersion: browserVersion,
		Device:         device,
		Mobile:         device == DeviceSmartphone,
		Tablet:         device == DeviceTablet,
		Desktop:        device == DeviceDesktop,
	}
}
