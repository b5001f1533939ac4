// Package updater replaces the running sandbox-builder binary with a
// published GitHub release.
package updater

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const (
	DefaultRepo   = "hochfrequenz/sandbox-builder"
	DefaultBinary = "sandbox-builder"

	checkTimeout    = 10 * time.Second
	downloadTimeout = 5 * time.Minute
)

// Updater checks for and installs releases of a single repository.
type Updater struct {
	Repo   string
	Binary string
	// APIBase and DownloadBase are overridable for tests.
	APIBase      string
	DownloadBase string
	Client       *http.Client
}

// New returns an Updater for the sandbox-builder releases.
func New() *Updater {
	return &Updater{
		Repo:         DefaultRepo,
		Binary:       DefaultBinary,
		APIBase:      "https://api.github.com",
		DownloadBase: "https://github.com",
		Client:       &http.Client{Timeout: downloadTimeout},
	}
}

type release struct {
	TagName string `json:"tag_name"`
}

// Latest returns the tag of the newest published release.
func (u *Updater) Latest(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/repos/%s/releases/latest", u.APIBase, u.Repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := u.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("checking for updates: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("release lookup returned status %d", resp.StatusCode)
	}

	var rel release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return "", fmt.Errorf("parsing release info: %w", err)
	}
	if rel.TagName == "" {
		return "", fmt.Errorf("release has no tag")
	}
	return rel.TagName, nil
}

// ArchiveName is the goreleaser asset name for a version on this platform,
// e.g. sandbox-builder_0.2.0_linux_amd64.tar.gz.
func (u *Updater) ArchiveName(version string) string {
	return fmt.Sprintf("%s_%s_%s_%s.tar.gz", u.Binary, strings.TrimPrefix(version, "v"), runtime.GOOS, runtime.GOARCH)
}

// Install downloads version and swaps it in at exePath. The previous binary
// is restored if the copy fails.
func (u *Updater) Install(ctx context.Context, version, exePath string) error {
	tmpDir, err := os.MkdirTemp("", u.Binary+"-update-*")
	if err != nil {
		return fmt.Errorf("creating temp directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	archive := u.ArchiveName(version)
	url := fmt.Sprintf("%s/%s/releases/download/%s/%s", u.DownloadBase, u.Repo, version, archive)
	archivePath := filepath.Join(tmpDir, archive)
	if err := u.download(ctx, url, archivePath); err != nil {
		return fmt.Errorf("downloading %s: %w", archive, err)
	}

	newBinary := filepath.Join(tmpDir, u.Binary)
	if err := extractBinary(archivePath, u.Binary, newBinary); err != nil {
		return fmt.Errorf("extracting %s: %w", archive, err)
	}
	if err := replaceBinary(exePath, newBinary); err != nil {
		return fmt.Errorf("replacing binary: %w", err)
	}
	return nil
}

// CurrentExecutable resolves the path of the running binary.
func CurrentExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(exe)
}

// NeedsUpdate reports whether latest is newer than current. Versions are
// "vX.Y.Z" or "X.Y.Z"; a "dev" build always needs an update.
func NeedsUpdate(current, latest string) bool {
	current = strings.TrimPrefix(current, "v")
	latest = strings.TrimPrefix(latest, "v")
	if current == "dev" {
		return latest != "dev"
	}

	c, l := parseVersion(current), parseVersion(latest)
	for i := range c {
		if l[i] != c[i] {
			return l[i] > c[i]
		}
	}
	return false
}

func parseVersion(v string) [3]int {
	var parts [3]int
	fmt.Sscanf(v, "%d.%d.%d", &parts[0], &parts[1], &parts[2])
	return parts
}

func (u *Updater) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := u.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// extractBinary copies the first regular file named name out of a tar.gz.
func extractBinary(archivePath, name, dest string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gzr, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return fmt.Errorf("binary %s not found in archive", name)
		}
		if err != nil {
			return err
		}
		if header.Typeflag != tar.TypeReg || filepath.Base(header.Name) != name {
			continue
		}

		out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	}
}

func replaceBinary(currentPath, newPath string) error {
	info, err := os.Stat(currentPath)
	if err != nil {
		return err
	}

	backup := currentPath + ".old"
	os.Remove(backup)
	if err := os.Rename(currentPath, backup); err != nil {
		return fmt.Errorf("backing up current binary: %w", err)
	}

	// Copy rather than rename: the temp dir may be on another filesystem.
	if err := copyFile(newPath, currentPath, info.Mode()); err != nil {
		os.Rename(backup, currentPath)
		return fmt.Errorf("installing new binary: %w", err)
	}
	os.Remove(backup)
	return nil
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
