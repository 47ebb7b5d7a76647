package capture

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pulsarf/waterfall/log"
)

// Store keeps the first payload a client sent to an armed domain, one
// binary file per domain plus a JSON index. Captured ClientHellos can be
// fed back as decoy override data.
type Store struct {
	mu        sync.RWMutex
	dir       string
	indexFile string
	metadata  map[string]*Metadata
	armed     map[string]time.Time
	now       func() time.Time
}

type Metadata struct {
	Timestamp time.Time `json:"timestamp"`
	Size      int       `json:"size"`
	File      string    `json:"file"`
}

// Capture is the API view of one stored payload.
type Capture struct {
	Domain    string    `json:"domain"`
	Timestamp time.Time `json:"timestamp"`
	Size      int       `json:"size"`
	File      string    `json:"file"`
	HexData   string    `json:"hex_data"`
}

// OpenStore loads (or creates) a store rooted at dir.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("capture dir: %w", err)
	}
	s := &Store{
		dir:       dir,
		indexFile: filepath.Join(dir, "payloads.json"),
		metadata:  make(map[string]*Metadata),
		armed:     make(map[string]time.Time),
		now:       time.Now,
	}
	data, err := os.ReadFile(s.indexFile)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(data, &s.metadata); err != nil {
			log.Errorf("Failed to parse capture index: %v", err)
		}
	}
	return s, nil
}

func (s *Store) Dir() string { return s.dir }

// Arm makes the next payload for domain (or one of its subdomains) be
// captured if it arrives within ttl.
func (s *Store) Arm(domain string, ttl time.Duration) error {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return fmt.Errorf("domain required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.metadata[domain]; ok {
		return fmt.Errorf("%s already captured", domain)
	}
	s.armed[domain] = s.now().Add(ttl)
	log.Infof("Capture armed for %s (expires in %s)", domain, ttl)
	return nil
}

// Offer stores payload when domain is armed and not captured yet.
func (s *Store) Offer(domain string, payload []byte) bool {
	domain = strings.ToLower(domain)
	if domain == "" || len(payload) == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.matchArmedLocked(domain)
	if key == "" {
		return false
	}
	delete(s.armed, key)
	if _, ok := s.metadata[domain]; ok {
		return false
	}

	name := sanitizeDomain(domain) + ".bin"
	if err := os.WriteFile(filepath.Join(s.dir, name), payload, 0644); err != nil {
		log.Errorf("Failed to save capture: %v", err)
		return false
	}
	s.metadata[domain] = &Metadata{Timestamp: s.now(), Size: len(payload), File: name}
	if err := s.saveLocked(); err != nil {
		log.Errorf("Failed to save capture index: %v", err)
	}
	log.Infof("Captured payload for %s (%d bytes)", domain, len(payload))
	return true
}

func (s *Store) matchArmedLocked(domain string) string {
	now := s.now()
	for key, expiry := range s.armed {
		if now.After(expiry) {
			delete(s.armed, key)
			continue
		}
		if domain == key || strings.HasSuffix(domain, "."+key) {
			return key
		}
	}
	return ""
}

func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.metadata, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.indexFile, data, 0644)
}

func (s *Store) view(domain string, m *Metadata) *Capture {
	c := &Capture{Domain: domain, Timestamp: m.Timestamp, Size: m.Size, File: m.File}
	if data, err := os.ReadFile(filepath.Join(s.dir, m.File)); err == nil {
		c.HexData = hex.EncodeToString(data)
	}
	return c
}

func (s *Store) List() []*Capture {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Capture, 0, len(s.metadata))
	for domain, m := range s.metadata {
		out = append(out, s.view(domain, m))
	}
	return out
}

func (s *Store) Get(domain string) (*Capture, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.metadata[strings.ToLower(domain)]
	if !ok {
		return nil, false
	}
	return s.view(strings.ToLower(domain), m), true
}

// Payload returns the raw bytes captured for domain.
func (s *Store) Payload(domain string) ([]byte, error) {
	s.mu.RLock()
	m, ok := s.metadata[strings.ToLower(domain)]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no capture for %s", domain)
	}
	return os.ReadFile(filepath.Join(s.dir, m.File))
}

func (s *Store) Delete(domain string) error {
	domain = strings.ToLower(domain)
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metadata[domain]
	if !ok {
		return fmt.Errorf("capture not found")
	}
	_ = os.Remove(filepath.Join(s.dir, m.File))
	delete(s.metadata, domain)
	return s.saveLocked()
}

func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.metadata {
		_ = os.Remove(filepath.Join(s.dir, m.File))
	}
	s.metadata = make(map[string]*Metadata)
	return s.saveLocked()
}

func sanitizeDomain(domain string) string {
	var b strings.Builder
	for _, ch := range domain {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '-':
			b.WriteRune(ch)
		case ch == '.':
			b.WriteByte('_')
		}
	}
	return b.String()
}
