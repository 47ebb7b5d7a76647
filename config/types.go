package config

import (
	"github.com/pulsarf/waterfall/log"
	"github.com/pulsarf/waterfall/strategy"
)

type Config struct {
	ConfigPath string `json:"-" yaml:"-"`

	Socks5     Socks5Config    `json:"socks5" yaml:"socks5"`
	Strategies []strategy.Spec `json:"strategies" yaml:"strategies"`
	// Signature is the expected packet arrival pattern the strategy list
	// is verified against. Empty skips verification.
	Signature string        `json:"signature" yaml:"signature"`
	Desync    DesyncConfig  `json:"desync" yaml:"desync"`
	Targets   TargetsConfig `json:"targets" yaml:"targets"`
	DNS       DNSConfig     `json:"dns" yaml:"dns"`
	Capture   CaptureConfig `json:"capture" yaml:"capture"`
	System    SystemConfig  `json:"system" yaml:"system"`
}

type Socks5Config struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	BindAddress string `json:"bind_address" yaml:"bind_address"`
	Port        int    `json:"port" yaml:"port"`
	Username    string `json:"username" yaml:"username"`
	Password    string `json:"password" yaml:"password"`
	MaxConns    int    `json:"max_conns" yaml:"max_conns"`
	// HandshakeTimeoutSec bounds greeting, auth and request together.
	HandshakeTimeoutSec int `json:"handshake_timeout_sec" yaml:"handshake_timeout_sec"`
	DialTimeoutSec      int `json:"dial_timeout_sec" yaml:"dial_timeout_sec"`
}

type DesyncConfig struct {
	DefaultTTL    int    `json:"default_ttl" yaml:"default_ttl"`
	GhostTTL      int    `json:"ghost_ttl" yaml:"ghost_ttl"`
	DecoyTTL      int    `json:"decoy_ttl" yaml:"decoy_ttl"`
	DecoyOOB      bool   `json:"decoy_oob" yaml:"decoy_oob"`
	OOBChar       string `json:"oob_char" yaml:"oob_char"`
	OOBStreamHell string `json:"oob_stream_hell" yaml:"oob_stream_hell"`
	SNILocator    string `json:"sni_locator" yaml:"sni_locator"` // "heuristic", "structural", "auto"
	// MaxDispatches caps processed buffers per connection; 0 is unlimited.
	MaxDispatches int  `json:"max_dispatches" yaml:"max_dispatches"`
	JitterMaxMs   int  `json:"jitter_max_ms" yaml:"jitter_max_ms"`
	DisableSACK   bool `json:"disable_sack" yaml:"disable_sack"`

	Fake FakeConfig       `json:"fake" yaml:"fake"`
	HTTP HTTPTamperConfig `json:"http" yaml:"http"`
}

type FakeConfig struct {
	SNI      string `json:"sni" yaml:"sni"`
	Host     string `json:"host" yaml:"host"`
	HTTP     bool   `json:"http" yaml:"http"`
	Reversed bool   `json:"reversed" yaml:"reversed"`
	// Payload overrides every decoy: "hex:<bytes>", "file:<path>",
	// "clienthello:<domain>" or "capture:<domain>".
	Payload        string `json:"payload" yaml:"payload"`
	ClientHello    bool   `json:"clienthello" yaml:"clienthello"`
	ClientHelloSNI string `json:"clienthello_sni" yaml:"clienthello_sni"`
	Random         bool   `json:"random" yaml:"random"`
}

type HTTPTamperConfig struct {
	MixCase     bool `json:"mix_case" yaml:"mix_case"`
	RemoveSpace bool `json:"remove_space" yaml:"remove_space"`
	AddSpace    bool `json:"add_space" yaml:"add_space"`
	DomainCase  bool `json:"domain_case" yaml:"domain_case"`
}

type TargetsConfig struct {
	// SNIFilter attaches SNIDomains to every strategy as its allow-list.
	SNIFilter  bool     `json:"sni_filter" yaml:"sni_filter"`
	SNIDomains []string `json:"sni_domains" yaml:"sni_domains,omitempty"`

	// Domains, IPs and the geo categories pick which SOCKS5 destinations
	// get the engine at all. All empty means every destination.
	Domains           []string `json:"domains" yaml:"domains,omitempty"`
	IPs               []string `json:"ip" yaml:"ip,omitempty"`
	GeoSiteCategories []string `json:"geosite_categories" yaml:"geosite_categories,omitempty"`
	GeoIpCategories   []string `json:"geoip_categories" yaml:"geoip_categories,omitempty"`
}

type DNSConfig struct {
	DoHEnabled  bool   `json:"doh_enabled" yaml:"doh_enabled"`
	DoHEndpoint string `json:"doh_endpoint" yaml:"doh_endpoint"`
}

type CaptureConfig struct {
	Dir       string `json:"dir" yaml:"dir"`
	TracePath string `json:"trace_path" yaml:"trace_path"`
}

type SystemConfig struct {
	Logging   Logging         `json:"logging" yaml:"logging"`
	WebServer WebServerConfig `json:"web_server" yaml:"web_server"`
	Geo       GeoDatConfig    `json:"geo" yaml:"geo"`
}

type Logging struct {
	Level      log.Level `json:"level" yaml:"level"`
	Instaflush bool      `json:"instaflush" yaml:"instaflush"`
	Syslog     bool      `json:"syslog" yaml:"syslog"`
	ErrorFile  string    `json:"error_file" yaml:"error_file"`
}

type WebServerConfig struct {
	Port        int    `json:"port" yaml:"port"`
	BindAddress string `json:"bind_address" yaml:"bind_address"`
}

type GeoDatConfig struct {
	GeoSitePath string `json:"sitedat_path" yaml:"sitedat_path"`
	GeoIpPath   string `json:"ipdat_path" yaml:"ipdat_path"`
}
