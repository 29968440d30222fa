package updater

import (
	"bytes"
	"context"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/blang/semver/v4"
	"gopkg.in/yaml.v3"
)

// Release is the feed's latest.yml descriptor.
type Release struct {
	Version     string `yaml:"version"`
	Path        string `yaml:"path"`
	SHA512      string `yaml:"sha512"`
	ReleaseDate string `yaml:"releaseDate"`
	Files       []File `yaml:"files"`
}

// File is one downloadable artifact of a release.
type File struct {
	URL    string `yaml:"url"`
	SHA512 string `yaml:"sha512"`
	Size   int64  `yaml:"size"`
}

// Artifact returns the file to install: the first listed file, or the
// top-level path and checksum for older descriptors.
func (r Release) Artifact() (File, error) {
	if len(r.Files) > 0 && r.Files[0].URL != "" {
		f := r.Files[0]
		if f.SHA512 == "" {
			f.SHA512 = r.SHA512
		}
		return f, nil
	}
	if r.Path == "" {
		return File{}, errors.New("release descriptor lists no artifact")
	}
	return File{URL: r.Path, SHA512: r.SHA512}, nil
}

// SemVer parses Version leniently ("v1.2" is accepted).
func (r Release) SemVer() (semver.Version, error) {
	return semver.ParseTolerant(r.Version)
}

// feedFile resolves the descriptor URL: a feed pointing at a .yml file is
// used as-is, otherwise latest.yml is appended.
func feedFile(feed string) string {
	if strings.HasSuffix(feed, ".yml") || strings.HasSuffix(feed, ".yaml") {
		return feed
	}
	return strings.TrimSuffix(feed, "/") + "/latest.yml"
}

func fetchRelease(ctx context.Context, client *http.Client, feed string) (Release, string, error) {
	u := feedFile(feed)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Release{}, "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return Release{}, "", fmt.Errorf("fetch %s: %w", u, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return Release{}, "", fmt.Errorf("fetch %s: status %d", u, resp.StatusCode)
	}
	var rel Release
	if err := yaml.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&rel); err != nil {
		return Release{}, "", fmt.Errorf("parse %s: %w", u, err)
	}
	if rel.Version == "" {
		return Release{}, "", fmt.Errorf("parse %s: missing version", u)
	}
	return rel, u, nil
}

// resolveURL resolves an artifact reference against the descriptor URL.
func resolveURL(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(r).String(), nil
}

// progress is reported while downloading.
type progress struct {
	transferred, total, bytesPerSecond int64
	percent                            float64
}

// download streams src into dir, verifies the base64 sha512 and returns the
// final path. onProgress is called at most every 200ms and once at the end.
func download(ctx context.Context, client *http.Client, src, dir string, f File, onProgress func(progress)) (string, error) {
	if f.SHA512 == "" {
		return "", errors.New("release descriptor has no sha512 for the artifact")
	}
	want, err := base64.StdEncoding.DecodeString(f.SHA512)
	if err != nil {
		return "", fmt.Errorf("decode sha512: %w", err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", src, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: status %d", src, resp.StatusCode)
	}

	name := filepath.Base(path.Clean("/" + f.URL))
	final := filepath.Join(dir, name)
	part := final + ".part"
	out, err := os.OpenFile(part, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return "", err
	}

	total := resp.ContentLength
	if total <= 0 {
		total = f.Size
	}
	h := sha512.New()
	pw := &progressWriter{total: total, started: time.Now(), report: onProgress, hash: h}
	_, copyErr := io.Copy(out, io.TeeReader(resp.Body, pw))
	closeErr := out.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(part)
		return "", fmt.Errorf("download %s: %w", src, copyErr)
	}
	pw.flush()

	if got := h.Sum(nil); !bytes.Equal(got, want) {
		_ = os.Remove(part)
		return "", fmt.Errorf("sha512 mismatch for %s", name)
	}
	if err := os.Rename(part, final); err != nil {
		return "", err
	}
	return final, nil
}

type progressWriter struct {
	hash        hash.Hash
	total, done int64
	started     time.Time
	last        time.Time
	report      func(progress)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, _ := p.hash.Write(b)
	p.done += int64(n)
	if now := time.Now(); now.Sub(p.last) >= 200*time.Millisecond {
		p.last = now
		p.emit()
	}
	return n, nil
}

func (p *progressWriter) flush() { p.emit() }

func (p *progressWriter) emit() {
	if p.report == nil {
		return
	}
	pr := progress{transferred: p.done, total: p.total}
	if p.total > 0 {
		pr.percent = float64(p.done) / float64(p.total) * 100
	}
	if secs := time.Since(p.started).Seconds(); secs > 0 {
		pr.bytesPerSecond = int64(float64(p.done) / secs)
	}
	p.report(pr)
}
