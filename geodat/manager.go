package geodat

import (
	"sync"

	"github.com/pulsarf/waterfall/log"
)

// GeodataManager caches category lookups so config reloads do not rescan
// the dat files.
type GeodataManager struct {
	mu              sync.RWMutex
	geositePath     string
	geoipPath       string
	categoryDomains map[string][]string
	categoryIPs     map[string][]string
}

func NewGeodataManager(geositePath, geoipPath string) *GeodataManager {
	return &GeodataManager{
		geositePath:     geositePath,
		geoipPath:       geoipPath,
		categoryDomains: make(map[string][]string),
		categoryIPs:     make(map[string][]string),
	}
}

// UpdatePaths updates the dat file paths and clears the cache if they changed.
func (gm *GeodataManager) UpdatePaths(geositePath, geoipPath string) {
	gm.mu.Lock()
	defer gm.mu.Unlock()

	if gm.geositePath == geositePath && gm.geoipPath == geoipPath {
		return
	}
	gm.geositePath = geositePath
	gm.geoipPath = geoipPath
	gm.categoryDomains = make(map[string][]string)
	gm.categoryIPs = make(map[string][]string)
	log.Infof("Geodata paths updated, cache cleared")
}

func (gm *GeodataManager) paths() (string, string) {
	gm.mu.RLock()
	defer gm.mu.RUnlock()
	return gm.geositePath, gm.geoipPath
}

// cache returns the category map for geosite (ip=false) or geoip. Callers
// hold gm.mu.
func (gm *GeodataManager) cache(ip bool) map[string][]string {
	if ip {
		return gm.categoryIPs
	}
	return gm.categoryDomains
}

func (gm *GeodataManager) load(ip bool, path, category string, fn func(string, []string) ([]string, error)) ([]string, error) {
	gm.mu.RLock()
	if entries, ok := gm.cache(ip)[category]; ok {
		gm.mu.RUnlock()
		log.Tracef("Using cached entries for category: %s (%d)", category, len(entries))
		return entries, nil
	}
	gm.mu.RUnlock()

	if path == "" {
		return nil, log.Errorf("geodata path not configured for category %s", category)
	}
	entries, err := fn(path, []string{category})
	if err != nil {
		return nil, err
	}

	gm.mu.Lock()
	gm.cache(ip)[category] = entries
	gm.mu.Unlock()
	log.Tracef("Loaded and cached %d entries for category: %s", len(entries), category)
	return entries, nil
}

// LoadDomains loads geosite categories and returns the combined domains and
// the per-category counts. Categories that fail to load are logged and
// skipped.
func (gm *GeodataManager) LoadDomains(categories []string) ([]string, map[string]int) {
	site, _ := gm.paths()
	return gm.loadAll(false, site, categories, LoadDomainsFromCategories)
}

// LoadIPs is LoadDomains for geoip categories.
func (gm *GeodataManager) LoadIPs(categories []string) ([]string, map[string]int) {
	_, ip := gm.paths()
	return gm.loadAll(true, ip, categories, LoadIpsFromCategories)
}

func (gm *GeodataManager) loadAll(ip bool, path string, categories []string, fn func(string, []string) ([]string, error)) ([]string, map[string]int) {
	all := []string{}
	counts := make(map[string]int, len(categories))
	for _, category := range categories {
		entries, err := gm.load(ip, path, category, fn)
		if err != nil {
			log.Errorf("Failed to load category %s: %v", category, err)
			continue
		}
		all = append(all, entries...)
		counts[category] = len(entries)
	}
	return all, counts
}

// Breakdown returns entry counts for every cached category.
func (gm *GeodataManager) Breakdown() map[string]int {
	gm.mu.RLock()
	defer gm.mu.RUnlock()

	breakdown := make(map[string]int, len(gm.categoryDomains)+len(gm.categoryIPs))
	for category, entries := range gm.categoryDomains {
		breakdown["geosite:"+category] = len(entries)
	}
	for category, entries := range gm.categoryIPs {
		breakdown["geoip:"+category] = len(entries)
	}
	return breakdown
}

func (gm *GeodataManager) ClearCache() {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	gm.categoryDomains = make(map[string][]string)
	gm.categoryIPs = make(map[string][]string)
}

func (gm *GeodataManager) IsConfigured() bool {
	site, ip := gm.paths()
	return site != "" || ip != ""
}
