package geolite

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
)

const (
	maxMindDownloadURL = "https://download.maxmind.com/app/geoip_download"
	userAgent          = "ipthreat-geolite-updater/1.0"
	countryEdition     = "GeoLite2-Country"
	countryFileName    = "GeoLite2-Country.mmdb"
)

var (
	// ErrNoAPIKey indicates that the GeoLite license key has not been configured.
	ErrNoAPIKey = errors.New("geolite: license key is not configured")
)

// Updater downloads the country edition into DestPath and reloads Reader.
type Updater struct {
	LicenseKey string
	DestPath   string
	BaseURL    string
	Client     *http.Client
	Reader     *Reader

	group singleflight.Group
}

// Stale reports whether the database file is missing or older than maxAge.
func (u *Updater) Stale(maxAge time.Duration) bool {
	info, err := os.Stat(u.DestPath)
	if err != nil {
		return true
	}
	return maxAge > 0 && time.Since(info.ModTime()) > maxAge
}

// Update downloads and installs the database. Concurrent callers share one download.
func (u *Updater) Update(ctx context.Context) error {
	_, err, _ := u.group.Do("update", func() (interface{}, error) {
		if strings.TrimSpace(u.LicenseKey) == "" {
			return nil, ErrNoAPIKey
		}

		if err := u.download(ctx); err != nil {
			return nil, err
		}

		if u.Reader != nil {
			if err := u.Reader.Reload(); err != nil {
				return nil, fmt.Errorf("reload geolite: %w", err)
			}
		}

		log.Info("GeoLite country database updated", "path", u.DestPath)
		return nil, nil
	})
	return err
}

func (u *Updater) download(ctx context.Context) error {
	client := u.Client
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.downloadURL(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", countryEdition, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("download %s: unexpected status %d: %s", countryEdition, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	gzipReader, err := gzip.NewReader(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: open gzip: %w", countryEdition, err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%s: read tar: %w", countryEdition, err)
		}
		if header.Typeflag != tar.TypeReg || filepath.Base(header.Name) != countryFileName {
			continue
		}
		if err := writeToFile(u.DestPath, tarReader); err != nil {
			return fmt.Errorf("%s: write file: %w", countryEdition, err)
		}
		return nil
	}

	return fmt.Errorf("%s: mmdb file not found in archive", countryEdition)
}

func (u *Updater) downloadURL() string {
	base := u.BaseURL
	if base == "" {
		base = maxMindDownloadURL
	}
	return fmt.Sprintf("%s?edition_id=%s&license_key=%s&suffix=tar.gz", base, countryEdition, u.LicenseKey)
}

func writeToFile(destPath string, data io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), "geolite-*.mmdb")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmpFile.Name())
	}()

	if _, err := io.Copy(tmpFile, data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("copy data: %w", err)
	}

	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpFile.Name(), destPath); err != nil {
		return fmt.Errorf("replace file: %w", err)
	}

	return nil
}
