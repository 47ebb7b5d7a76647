package geodat

import (
	"net/netip"
	"regexp"

	"github.com/urlesistiana/v2dat/v2data"
)

// LoadDomainsFromCategories returns the domains of the given geosite
// categories in the form sni.Targets understands.
func LoadDomainsFromCategories(geodataPath string, categories []string) ([]string, error) {
	if geodataPath == "" || len(categories) == 0 {
		return nil, nil
	}

	allDomains := []string{}
	save := func(tag string, gs *v2data.GeoSite) error {
		for _, d := range gs.GetDomain() {
			if domain := extractDomainValue(d); domain != "" {
				allDomains = append(allDomains, domain)
			}
		}
		return nil
	}
	if err := streamGeoSite(geodataPath, categories, save); err != nil {
		return nil, err
	}
	return allDomains, nil
}

// LoadIpsFromCategories returns the CIDRs of the given geoip categories.
func LoadIpsFromCategories(geodataPath string, categories []string) ([]string, error) {
	if geodataPath == "" || len(categories) == 0 {
		return nil, nil
	}

	allIps := []string{}
	save := func(tag string, geo *v2data.GeoIP) error {
		for _, cidr := range geo.GetCidr() {
			ip, ok := netip.AddrFromSlice(cidr.Ip)
			if !ok {
				continue
			}
			prefix, err := ip.Unmap().Prefix(int(cidr.Prefix) - prefixShift(ip))
			if err != nil {
				continue
			}
			allIps = append(allIps, prefix.String())
		}
		return nil
	}
	if err := streamGeoIP(geodataPath, categories, save); err != nil {
		return nil, err
	}
	return allIps, nil
}

// prefixShift compensates for IPv4 addresses stored in mapped form.
func prefixShift(ip netip.Addr) int {
	if ip.Is4In6() {
		return 96
	}
	return 0
}

// extractDomainValue maps a geosite rule onto the target grammar: plain
// keywords become substring regexps, full matches keep their prefix.
func extractDomainValue(d *v2data.Domain) string {
	switch d.Type {
	case v2data.Domain_Plain:
		return "regexp:" + regexp.QuoteMeta(d.Value)
	case v2data.Domain_Regex:
		return "regexp:" + d.Value
	case v2data.Domain_Full:
		return "full:" + d.Value
	default:
		return d.Value
	}
}
