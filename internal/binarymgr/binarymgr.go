// Package binarymgr downloads, verifies, and caches the cloudflared
// connector binary tuinnel shells out to (spec §4.H).
package binarymgr

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/schollz/progressbar/v3"

	"github.com/NickDunas/tuinnel/internal/appconfig"
	"github.com/NickDunas/tuinnel/internal/security"
)

const releasesAPI = "https://api.github.com/repos/cloudflare/cloudflared/releases/latest"

// assetTable maps (GOOS, GOARCH) to the release asset name, per spec §4.H's
// platform table. Keys are Go's own GOARCH names (amd64, arm64).
var assetTable = map[string]map[string]string{
	"darwin": {
		"arm64": "cloudflared-darwin-arm64.tgz",
		"amd64": "cloudflared-darwin-amd64.tgz",
	},
	"linux": {
		"arm64": "cloudflared-linux-arm64",
		"amd64": "cloudflared-linux-amd64",
	},
}

// unsupportedPlatformErr builds the fatal error AssetName returns for any
// (GOOS, GOARCH) pair not in the table.
func unsupportedPlatformErr() error {
	return security.New(security.Fatal,
		fmt.Sprintf("unsupported platform: %s/%s", runtime.GOOS, runtime.GOARCH),
		"no cloudflared release asset is published for this OS/architecture",
		"")
}

// AssetName returns the release asset filename for the running platform.
func AssetName() (string, error) {
	byArch, ok := assetTable[runtime.GOOS]
	if !ok {
		return "", unsupportedPlatformErr()
	}
	asset, ok := byArch[runtime.GOARCH]
	if !ok {
		return "", unsupportedPlatformErr()
	}
	return asset, nil
}

// Manager downloads and caches the connector binary under appconfig.BinDir.
type Manager struct {
	httpClient *http.Client
	progress   func(total int64) ProgressWriter
}

// ProgressWriter receives byte counts as a download proceeds.
type ProgressWriter interface {
	io.Writer
	Close() error
}

// New creates a Manager using a real HTTP client and a terminal progress
// bar (schollz/progressbar) for download feedback.
func New() *Manager {
	return &Manager{
		httpClient: http.DefaultClient,
		progress: func(total int64) ProgressWriter {
			return progressbar.DefaultBytes(total, "downloading cloudflared")
		},
	}
}

// BinaryPath returns the path the connector binary is cached at.
func BinaryPath() (string, error) {
	dir, err := appconfig.BinDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "cloudflared"), nil
}

func versionFilePath() (string, error) {
	dir, err := appconfig.BinDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ".version"), nil
}

// Ensure makes sure the connector binary exists, downloading it if absent.
// Short-circuits when the binary is already present (spec §4.H).
func (m *Manager) Ensure(ctx context.Context) (string, error) {
	path, err := BinaryPath()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	return m.Download(ctx)
}

type releaseAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

type release struct {
	TagName string         `json:"tag_name"`
	Body    string         `json:"body"`
	Assets  []releaseAsset `json:"assets"`
}

// Download fetches the latest release, streams the matching asset into the
// cache directory with progress callbacks, extracts it if it's a tarball,
// marks it executable, and records the version.
func (m *Manager) Download(ctx context.Context) (string, error) {
	dir, err := appconfig.BinDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	assetName, err := AssetName()
	if err != nil {
		return "", err
	}

	rel, err := m.fetchLatestRelease(ctx)
	if err != nil {
		return "", err
	}
	version := strings.TrimPrefix(rel.TagName, "v")

	var assetURL string
	for _, a := range rel.Assets {
		if a.Name == assetName {
			assetURL = a.BrowserDownloadURL
			break
		}
	}
	if assetURL == "" {
		return "", security.New(security.Fatal,
			fmt.Sprintf("no release asset named %q found", assetName),
			fmt.Sprintf("release %s has assets: %v", rel.TagName, rel.Assets), "")
	}

	tmpFile, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return "", err
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	if err := m.streamAsset(ctx, assetURL, tmpFile); err != nil {
		tmpFile.Close()
		return "", err
	}
	tmpFile.Close()

	if sum, ok := extractSHA256(rel.Body); ok {
		if !matchesSHA256(tmpPath, sum) {
			// Best-effort only — release-notes parsing is unreliable,
			// so a mismatch prints a warning to stderr rather than
			// aborting.
			fmt.Fprintf(os.Stderr, "warning: checksum in release notes did not match the downloaded asset\n")
		}
	}

	binPath, err := BinaryPath()
	if err != nil {
		return "", err
	}

	if strings.HasSuffix(assetName, ".tgz") {
		if err := extractTarball(tmpPath, binPath); err != nil {
			return "", err
		}
	} else {
		if err := os.Rename(tmpPath, binPath); err != nil {
			return "", err
		}
	}
	if err := os.Chmod(binPath, 0o755); err != nil {
		return "", err
	}

	vp, err := versionFilePath()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(vp, []byte(version), 0o644); err != nil {
		return "", err
	}

	return binPath, nil
}

func (m *Manager) fetchLatestRelease(ctx context.Context) (release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, releasesAPI, nil)
	if err != nil {
		return release{}, err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return release{}, security.New(security.Transient, "could not reach the release server", err.Error(), "")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return release{}, security.New(security.Transient,
			"could not fetch the latest cloudflared release",
			fmt.Sprintf("status=%d", resp.StatusCode), "")
	}
	var rel release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return release{}, security.New(security.Fatal, "malformed release metadata", err.Error(), "")
	}
	return rel, nil
}

func (m *Manager) streamAsset(ctx context.Context, url string, dst io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return security.New(security.Transient, "could not download the connector binary", err.Error(), "")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return security.New(security.Transient, "download failed",
			fmt.Sprintf("status=%d", resp.StatusCode), "")
	}

	w := io.Writer(dst)
	if m.progress != nil {
		pb := m.progress(resp.ContentLength)
		defer pb.Close()
		w = io.MultiWriter(dst, pb)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

var sha256RE = regexp.MustCompile(`\b[0-9a-fA-F]{64}\b`)

// extractSHA256 pulls the first 64-hex-char token from release notes text.
// Best-effort: release bodies have no fixed format.
func extractSHA256(body string) (string, bool) {
	m := sha256RE.FindString(body)
	if m == "" {
		return "", false
	}
	return strings.ToLower(m), true
}

func matchesSHA256(path, want string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false
	}
	return hex.EncodeToString(h.Sum(nil)) == want
}

func extractTarball(tgzPath, destBinPath string) error {
	f, err := os.Open(tgzPath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return security.NewClassifiedError("downloaded archive did not contain a cloudflared binary", "tar stream exhausted without finding an entry named cloudflared")
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if filepath.Base(hdr.Name) != "cloudflared" {
			continue
		}
		out, err := os.OpenFile(destBinPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o755)
		if err != nil {
			return err
		}
		defer out.Close()
		if _, err := io.Copy(out, tr); err != nil {
			return err
		}
		return nil
	}
}

// Version returns the cached version string, or "" if never downloaded.
func Version() (string, error) {
	vp, err := versionFilePath()
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(vp)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
