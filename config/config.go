// Package config holds the proxy configuration: defaults, file and flag
// binding, validation, and conversion into a desync engine snapshot.
package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pulsarf/waterfall/capture"
	"github.com/pulsarf/waterfall/desync"
	"github.com/pulsarf/waterfall/dns"
	"github.com/pulsarf/waterfall/geodat"
	"github.com/pulsarf/waterfall/log"
	"github.com/pulsarf/waterfall/sni"
	"github.com/pulsarf/waterfall/strategy"
)

var DefaultConfig = Config{
	Socks5: Socks5Config{
		Enabled:             true,
		BindAddress:         "127.0.0.1",
		Port:                7878,
		MaxConns:            1024,
		HandshakeTimeoutSec: 10,
		DialTimeoutSec:      10,
	},
	Strategies: []strategy.Spec{
		{Method: strategy.Split.String(), Offset: "1+s"},
	},
	Desync: DesyncConfig{
		DefaultTTL:    64,
		GhostTTL:      1,
		DecoyTTL:      8,
		OOBChar:       "a",
		OOBStreamHell: "GET / HTTP/1.1\r\nHost: www.w3.org\r\n\r\n",
		SNILocator:    string(sni.ModeHeuristic),
		MaxDispatches: 1,
		Fake: FakeConfig{
			SNI:            "www.w3.org",
			Host:           "www.w3.org",
			ClientHelloSNI: "www.w3.org",
		},
	},
	DNS: DNSConfig{
		DoHEnabled:  true,
		DoHEndpoint: dns.DefaultDoHEndpoint,
	},
	System: SystemConfig{
		Logging: Logging{
			Level:      log.LevelInfo,
			Instaflush: true,
		},
		WebServer: WebServerConfig{
			Port:        0,
			BindAddress: "127.0.0.1",
		},
	},
}

// NewConfig returns a deep copy of DefaultConfig.
func NewConfig() Config {
	return DefaultConfig.Clone()
}

// Clone returns a copy of c that shares no slices with it.
func (c *Config) Clone() Config {
	out := *c
	out.Strategies = append([]strategy.Spec(nil), c.Strategies...)
	out.Targets.SNIDomains = append([]string(nil), c.Targets.SNIDomains...)
	out.Targets.Domains = append([]string(nil), c.Targets.Domains...)
	out.Targets.IPs = append([]string(nil), c.Targets.IPs...)
	out.Targets.GeoSiteCategories = append([]string(nil), c.Targets.GeoSiteCategories...)
	out.Targets.GeoIpCategories = append([]string(nil), c.Targets.GeoIpCategories...)
	return out
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func (c *Config) SaveToFile(path string) error {
	if path == "" {
		log.Tracef("config path is not defined")
		return nil
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return log.Errorf("failed to marshal config: %v", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return log.Errorf("failed to write config file: %v", err)
	}
	return nil
}

func (c *Config) LoadFromFile(path string) error {
	if path == "" {
		log.Tracef("config path is not defined")
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return log.Errorf("failed to stat config file: %v", err)
	}
	if info.IsDir() {
		return log.Errorf("config path is a directory, not a file: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return log.Errorf("failed to read config file: %v", err)
	}
	if isYAML(path) {
		err = yaml.Unmarshal(data, c)
	} else {
		err = json.Unmarshal(data, c)
	}
	if err != nil {
		return log.Errorf("failed to parse config file: %v", err)
	}
	c.ConfigPath = path
	return nil
}

func (c *Config) ApplyLogLevel(level string) {
	c.System.Logging.Level = log.ParseLevel(level)
}

func validPort(p int) bool { return p >= 0 && p <= 65535 }

func validTTL(ttl int) bool { return ttl >= 1 && ttl <= 255 }

func (c *Config) Validate() error {
	if c.Socks5.Enabled && (c.Socks5.Port <= 0 || !validPort(c.Socks5.Port)) {
		return fmt.Errorf("socks5 port must be between 1 and 65535")
	}
	if (c.Socks5.Username == "") != (c.Socks5.Password == "") {
		return fmt.Errorf("socks5 username and password must be set together")
	}
	if c.Socks5.MaxConns < 0 {
		return fmt.Errorf("socks5 max_conns must not be negative")
	}
	if !validPort(c.System.WebServer.Port) {
		return fmt.Errorf("web port must be between 0 and 65535")
	}

	d := c.Desync
	for name, ttl := range map[string]int{"default_ttl": d.DefaultTTL, "ghost_ttl": d.GhostTTL, "decoy_ttl": d.DecoyTTL} {
		if !validTTL(ttl) {
			return fmt.Errorf("%s must be between 1 and 255, got %d", name, ttl)
		}
	}
	if len(d.OOBChar) != 1 {
		return fmt.Errorf("oob_char must be exactly one byte, got %q", d.OOBChar)
	}
	if _, err := sni.ParseMode(d.SNILocator); err != nil {
		return err
	}
	if d.MaxDispatches < 0 {
		return fmt.Errorf("max_dispatches must not be negative")
	}
	if d.JitterMaxMs < 0 {
		return fmt.Errorf("jitter_max_ms must not be negative")
	}
	if p := d.Fake.Payload; p != "" {
		kind, _, ok := strings.Cut(p, ":")
		switch {
		case !ok:
			return fmt.Errorf("fake payload %q: expected <kind>:<value>", p)
		case kind != "hex" && kind != "file" && kind != "clienthello" && kind != "capture":
			return fmt.Errorf("fake payload %q: unknown kind %q", p, kind)
		}
	}

	for _, spec := range c.Strategies {
		if err := strategy.Check(spec); err != nil {
			return err
		}
	}

	if len(c.Targets.GeoSiteCategories) > 0 && c.System.Geo.GeoSitePath == "" {
		return fmt.Errorf("--geosite must be specified when using --geosite-categories")
	}
	if len(c.Targets.GeoIpCategories) > 0 && c.System.Geo.GeoIpPath == "" {
		return fmt.Errorf("--geoip must be specified when using --geoip-categories")
	}
	return nil
}

// BuildStrategies turns the configured specs into strategies and verifies
// them against Signature.
func (c *Config) BuildStrategies() ([]strategy.Strategy, error) {
	var allow []string
	if c.Targets.SNIFilter {
		allow = c.Targets.SNIDomains
		if allow == nil {
			allow = []string{}
		}
	}
	list := make([]strategy.Strategy, 0, len(c.Strategies))
	for _, spec := range c.Strategies {
		list = append(list, strategy.Build(spec, allow))
	}
	if err := strategy.Verify(c.Signature, list); err != nil {
		return nil, err
	}
	return list, nil
}

// FakePayload resolves Desync.Fake.Payload. It returns nil when no
// override is configured.
func (c *Config) FakePayload() ([]byte, error) {
	p := c.Desync.Fake.Payload
	if p == "" {
		return nil, nil
	}
	kind, value, _ := strings.Cut(p, ":")
	switch kind {
	case "hex":
		b, err := hex.DecodeString(strings.ReplaceAll(value, " ", ""))
		if err != nil {
			return nil, fmt.Errorf("fake payload: %w", err)
		}
		return b, nil
	case "file":
		return os.ReadFile(value)
	case "clienthello":
		return capture.GenerateClientHello(value)
	case "capture":
		if c.Capture.Dir == "" {
			return nil, fmt.Errorf("fake payload %q needs capture.dir", p)
		}
		store, err := capture.OpenStore(c.Capture.Dir)
		if err != nil {
			return nil, err
		}
		return store.Payload(value)
	}
	return nil, fmt.Errorf("fake payload %q: unknown kind %q", p, kind)
}

func (c *Config) EngineOptions() (desync.Options, error) {
	d := c.Desync
	mode, err := sni.ParseMode(d.SNILocator)
	if err != nil {
		return desync.Options{}, err
	}
	override, err := c.FakePayload()
	if err != nil {
		return desync.Options{}, err
	}

	opts := desync.Options{
		DefaultTTL:         d.DefaultTTL,
		GhostTTL:           d.GhostTTL,
		DecoyTTL:           d.DecoyTTL,
		DecoyOOB:           d.DecoyOOB,
		OOBStreamHell:      []byte(d.OOBStreamHell),
		FakeSNI:            d.Fake.SNI,
		FakeHost:           d.Fake.Host,
		FakeHTTP:           d.Fake.HTTP,
		FakeOverride:       override,
		FakeReversed:       d.Fake.Reversed,
		FakeClientHello:    d.Fake.ClientHello,
		FakeClientHelloSNI: d.Fake.ClientHelloSNI,
		FakeRandom:         d.Fake.Random,
		DisableSACK:        d.DisableSACK,
		HTTP: desync.HTTPTamper{
			MixCase:     d.HTTP.MixCase,
			RemoveSpace: d.HTTP.RemoveSpace,
			AddSpace:    d.HTTP.AddSpace,
			DomainCase:  d.HTTP.DomainCase,
		},
		MaxDispatches: d.MaxDispatches,
		JitterMax:     time.Duration(d.JitterMaxMs) * time.Millisecond,
		Locator:       mode,
	}
	if len(d.OOBChar) > 0 {
		opts.OOBChar = d.OOBChar[0]
	}
	return opts, nil
}

// Engine validates c and builds the engine snapshot it describes.
func (c *Config) Engine() (*desync.Engine, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	list, err := c.BuildStrategies()
	if err != nil {
		return nil, err
	}
	opts, err := c.EngineOptions()
	if err != nil {
		return nil, err
	}
	return desync.New(opts, list), nil
}

// BuildTargets merges the literal targets with the geodata categories.
func (c *Config) BuildTargets(gm *geodat.GeodataManager) *sni.Targets {
	domains := append([]string(nil), c.Targets.Domains...)
	ips := append([]string(nil), c.Targets.IPs...)
	if gm != nil {
		gm.UpdatePaths(c.System.Geo.GeoSitePath, c.System.Geo.GeoIpPath)
		if len(c.Targets.GeoSiteCategories) > 0 {
			geo, counts := gm.LoadDomains(c.Targets.GeoSiteCategories)
			domains = append(domains, geo...)
			log.Tracef("geosite categories: %v", counts)
		}
		if len(c.Targets.GeoIpCategories) > 0 {
			geo, counts := gm.LoadIPs(c.Targets.GeoIpCategories)
			ips = append(ips, geo...)
			log.Tracef("geoip categories: %v", counts)
		}
	}
	return sni.NewTargets(domains, ips)
}

func (c *Config) DoHEndpoint() string {
	if !c.DNS.DoHEnabled {
		return ""
	}
	if c.DNS.DoHEndpoint == "" {
		return dns.DefaultDoHEndpoint
	}
	return c.DNS.DoHEndpoint
}
