package geolite

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/oschwald/geoip2-golang"
)

// Locator resolves the country an address is registered in.
type Locator interface {
	// Country returns the ISO code and English name; ok is false when the
	// address is unknown or no database is loaded.
	Country(ip string) (code, name string, ok bool)
}

// Reader is a Locator backed by a GeoLite2/GeoIP2 country database that can be
// swapped at runtime after an update.
type Reader struct {
	path   string
	db     atomic.Pointer[geoip2.Reader]
	loadMu sync.Mutex
}

var _ Locator = (*Reader)(nil)

// NewReader opens the database at path. A missing file yields a Reader that
// answers nothing until Reload succeeds.
func NewReader(path string) (*Reader, error) {
	r := &Reader{path: path}
	if strings.TrimSpace(path) == "" {
		return r, nil
	}
	if err := r.Reload(); err != nil {
		return r, err
	}
	return r, nil
}

// FromBytes builds a Reader from an in-memory database image.
func FromBytes(data []byte) (*Reader, error) {
	db, err := geoip2.FromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("geolite: parse database: %w", err)
	}
	r := &Reader{}
	r.db.Store(db)
	return r, nil
}

func (r *Reader) Path() string { return r.path }

// Loaded reports whether a database is available.
func (r *Reader) Loaded() bool {
	return r != nil && r.db.Load() != nil
}

// Reload re-opens the database file and swaps it in atomically.
func (r *Reader) Reload() error {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	db, err := geoip2.Open(r.path)
	if err != nil {
		return fmt.Errorf("geolite: open %s: %w", r.path, err)
	}
	if old := r.db.Swap(db); old != nil {
		_ = old.Close()
	}
	return nil
}

func (r *Reader) Country(ipAddress string) (string, string, bool) {
	if r == nil {
		return "", "", false
	}
	db := r.db.Load()
	if db == nil {
		return "", "", false
	}

	ip := net.ParseIP(ipAddress)
	if ip == nil {
		return "", "", false
	}

	record, err := db.Country(ip)
	if err != nil || record.Country.IsoCode == "" {
		return "", "", false
	}
	return record.Country.IsoCode, record.Country.Names["en"], true
}

func (r *Reader) Close() error {
	if r == nil {
		return nil
	}
	if db := r.db.Swap(nil); db != nil {
		return db.Close()
	}
	return nil
}

// Static is a fixed Locator, handy when geo data comes from elsewhere.
type Static map[string]string

func (s Static) Country(ip string) (string, string, bool) {
	code, ok := s[ip]
	return code, "", ok && code != ""
}
