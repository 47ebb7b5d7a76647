package config

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/pulsarf/waterfall/strategy"
)

// specList exposes the strategy list as one compact flag, e.g.
// --strategies "split:1+s,disorder:3:tcp:443".
type specList struct {
	specs *[]strategy.Spec
	set   bool
}

var _ pflag.Value = (*specList)(nil)

func (s *specList) String() string {
	if s.specs == nil {
		return ""
	}
	parts := make([]string, 0, len(*s.specs))
	for _, spec := range *s.specs {
		p := spec.Method + ":" + spec.Offset
		if spec.Subtract {
			p += "!"
		}
		if spec.Protocol != "" || spec.Ports != "" {
			p += ":" + spec.Protocol
		}
		if spec.Ports != "" {
			p += ":" + spec.Ports
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, ",")
}

// Set replaces the configured list on first use and appends afterwards,
// so the flag can be repeated.
func (s *specList) Set(v string) error {
	specs, err := strategy.ParseList(v)
	if err != nil {
		return err
	}
	if !s.set {
		*s.specs = nil
		s.set = true
	}
	*s.specs = append(*s.specs, specs...)
	return nil
}

func (s *specList) Type() string { return "strategies" }

func (c *Config) BindFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&c.ConfigPath, "config", c.ConfigPath, "Path to config file (.json, .yaml)")

	// SOCKS5 front end
	cmd.Flags().BoolVar(&c.Socks5.Enabled, "socks5", c.Socks5.Enabled, "Enable the SOCKS5 listener")
	cmd.Flags().StringVar(&c.Socks5.BindAddress, "socks5-bind", c.Socks5.BindAddress, "SOCKS5 bind address")
	cmd.Flags().IntVarP(&c.Socks5.Port, "socks5-port", "p", c.Socks5.Port, "SOCKS5 port")
	cmd.Flags().StringVar(&c.Socks5.Username, "socks5-user", c.Socks5.Username, "SOCKS5 username (enables RFC 1929 auth)")
	cmd.Flags().StringVar(&c.Socks5.Password, "socks5-pass", c.Socks5.Password, "SOCKS5 password")
	cmd.Flags().IntVar(&c.Socks5.MaxConns, "max-conns", c.Socks5.MaxConns, "Maximum concurrent connections (0 = unlimited)")

	// Strategies
	cmd.Flags().VarP(&specList{specs: &c.Strategies}, "strategies", "s", "Strategy list method:offset[!][:protocol[:ports]], comma separated")
	cmd.Flags().StringVar(&c.Signature, "signature", c.Signature, "Expected packet arrival pattern to verify strategies against")

	// Desync scalars
	cmd.Flags().IntVar(&c.Desync.DefaultTTL, "default-ttl", c.Desync.DefaultTTL, "TTL restored after every ghost or decoy send")
	cmd.Flags().IntVar(&c.Desync.GhostTTL, "ghost-ttl", c.Desync.GhostTTL, "TTL for ghost segments")
	cmd.Flags().IntVar(&c.Desync.DecoyTTL, "decoy-ttl", c.Desync.DecoyTTL, "TTL for decoy segments")
	cmd.Flags().BoolVar(&c.Desync.DecoyOOB, "decoy-oob", c.Desync.DecoyOOB, "Send decoy bytes as urgent data")
	cmd.Flags().StringVar(&c.Desync.OOBChar, "oob-char", c.Desync.OOBChar, "Marker byte appended by the oob methods")
	cmd.Flags().StringVar(&c.Desync.OOBStreamHell, "oob-stream-hell", c.Desync.OOBStreamHell, "Text sent byte by byte as urgent data by oob-stream-hell")
	cmd.Flags().StringVar(&c.Desync.SNILocator, "sni-locator", c.Desync.SNILocator, "SNI locator (heuristic|structural|auto)")
	cmd.Flags().IntVar(&c.Desync.MaxDispatches, "max-dispatches", c.Desync.MaxDispatches, "Buffers per connection run through the strategies (0 = unlimited)")
	cmd.Flags().IntVar(&c.Desync.JitterMaxMs, "jitter", c.Desync.JitterMaxMs, "Maximum delay after each dispatch in ms")
	cmd.Flags().BoolVar(&c.Desync.DisableSACK, "disable-sack", c.Desync.DisableSACK, "Strip SACK from the upstream handshake")

	// Fakes
	cmd.Flags().StringVar(&c.Desync.Fake.SNI, "fake-sni", c.Desync.Fake.SNI, "Host written over the SNI of decoys")
	cmd.Flags().StringVar(&c.Desync.Fake.Host, "fake-host", c.Desync.Fake.Host, "Host of the fake HTTP request")
	cmd.Flags().BoolVar(&c.Desync.Fake.HTTP, "fake-http", c.Desync.Fake.HTTP, "Use a fake HTTP request as decoy")
	cmd.Flags().BoolVar(&c.Desync.Fake.Reversed, "fake-reversed", c.Desync.Fake.Reversed, "Derive the fake decoy from the first segment")
	cmd.Flags().StringVar(&c.Desync.Fake.Payload, "fake-payload", c.Desync.Fake.Payload, "Decoy override (hex:<bytes>|file:<path>|clienthello:<domain>|capture:<domain>)")
	cmd.Flags().BoolVar(&c.Desync.Fake.ClientHello, "fake-clienthello", c.Desync.Fake.ClientHello, "Send a fake ClientHello before the strategies")
	cmd.Flags().StringVar(&c.Desync.Fake.ClientHelloSNI, "fake-clienthello-sni", c.Desync.Fake.ClientHelloSNI, "SNI of the fake ClientHello")
	cmd.Flags().BoolVar(&c.Desync.Fake.Random, "fake-random", c.Desync.Fake.Random, "Send a random decoy after the strategies")

	// HTTP Host tamper
	cmd.Flags().BoolVar(&c.Desync.HTTP.MixCase, "http-mix-case", c.Desync.HTTP.MixCase, "Rewrite Host: as HOsT:")
	cmd.Flags().BoolVar(&c.Desync.HTTP.RemoveSpace, "http-remove-space", c.Desync.HTTP.RemoveSpace, "Drop the space after Host:")
	cmd.Flags().BoolVar(&c.Desync.HTTP.AddSpace, "http-add-space", c.Desync.HTTP.AddSpace, "Add a space after Host:")
	cmd.Flags().BoolVar(&c.Desync.HTTP.DomainCase, "http-domain-case", c.Desync.HTTP.DomainCase, "Uppercase the first letter of the Host value")

	// Targets filtering
	cmd.Flags().BoolVar(&c.Targets.SNIFilter, "sni-filter", c.Targets.SNIFilter, "Attach the SNI allow-list to every strategy")
	cmd.Flags().StringSliceVar(&c.Targets.SNIDomains, "sni-domains", c.Targets.SNIDomains, "SNI allow-list substrings")
	cmd.Flags().StringSliceVar(&c.Targets.Domains, "domains", c.Targets.Domains, "Destination domains that get the engine")
	cmd.Flags().StringSliceVar(&c.Targets.IPs, "ip", c.Targets.IPs, "Destination IPs/CIDRs that get the engine")
	cmd.Flags().StringVar(&c.System.Geo.GeoSitePath, "geosite", c.System.Geo.GeoSitePath, "Path to geosite file (e.g., geosite.dat)")
	cmd.Flags().StringVar(&c.System.Geo.GeoIpPath, "geoip", c.System.Geo.GeoIpPath, "Path to geoip file (e.g., geoip.dat)")
	cmd.Flags().StringSliceVar(&c.Targets.GeoSiteCategories, "geosite-categories", c.Targets.GeoSiteCategories, "Geosite categories to target (e.g., youtube,discord)")
	cmd.Flags().StringSliceVar(&c.Targets.GeoIpCategories, "geoip-categories", c.Targets.GeoIpCategories, "Geoip categories to target")

	// DNS
	cmd.Flags().BoolVar(&c.DNS.DoHEnabled, "doh", c.DNS.DoHEnabled, "Fall back to DNS-over-HTTPS when the system resolver fails")
	cmd.Flags().StringVar(&c.DNS.DoHEndpoint, "doh-endpoint", c.DNS.DoHEndpoint, "DoH endpoint")

	// Capture
	cmd.Flags().StringVar(&c.Capture.Dir, "capture-dir", c.Capture.Dir, "Directory for captured first payloads")
	cmd.Flags().StringVar(&c.Capture.TracePath, "trace", c.Capture.TracePath, "Write a pcap of every emission to this file")

	cmd.Flags().BoolVarP(&c.System.Logging.Instaflush, "instaflush", "i", c.System.Logging.Instaflush, "Flush logs immediately")
	cmd.Flags().BoolVar(&c.System.Logging.Syslog, "syslog", c.System.Logging.Syslog, "Enable syslog output")
	cmd.Flags().StringVar(&c.System.Logging.ErrorFile, "error-file", c.System.Logging.ErrorFile, "Also write errors to this file")

	cmd.Flags().IntVar(&c.System.WebServer.Port, "web-port", c.System.WebServer.Port, "Port for internal web server (0 disables)")
	cmd.Flags().StringVar(&c.System.WebServer.BindAddress, "web-bind", c.System.WebServer.BindAddress, "Web server bind address")
}
