package artifact

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/exploopio/extrisk/pkg/errors"
	"github.com/exploopio/extrisk/pkg/xrs"
)

const mv3Manifest = `{
	"manifest_version": 3,
	"name": "Tab Helper",
	"version": "1.2.0",
	"permissions": ["tabs", "storage"],
	"host_permissions": ["https://*.example.com/*"],
	"content_scripts": [
		{"matches": ["<all_urls>"], "run_at": "document_start", "all_frames": true}
	]
}`

const mv2Manifest = `{
	"manifest_version": 2,
	"name": "Legacy Helper",
	"version": "0.9",
	"permissions": ["cookies", "webRequest", "<all_urls>", "https://api.example.com/*", {"usbDevices": []}]
}`

func writeExtensionDir(t *testing.T, manifest string) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"manifest.json":     manifest,
		"background.js":     `chrome.tabs.query({}, () => {});`,
		"content/inject.js": `document.title;`,
		"popup.html":        `<html><script src="popup.js"></script></html>`,
		"icon.png":          "\x89PNG",
		"README.md":         "docs",
	}
	for name, text := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestLoadDirectoryMV3(t *testing.T) {
	dir := writeExtensionDir(t, mv3Manifest)
	l := New(nil, nil)

	art, err := l.LoadDirectory(dir, xrs.InstallSourceUnpacked)
	if err != nil {
		t.Fatalf("LoadDirectory: %v", err)
	}

	if art.ID == "" || len(art.ID) != 32 {
		t.Errorf("id = %q, want 32-char derived id", art.ID)
	}
	if art.Name != "Tab Helper" || art.Version != "1.2.0" || art.ManifestVersion != 3 {
		t.Errorf("identity = %s/%s/mv%d", art.Name, art.Version, art.ManifestVersion)
	}
	if len(art.Permissions) != 2 {
		t.Errorf("permissions = %v, want [tabs storage]", art.Permissions)
	}
	if len(art.HostPermissions) != 1 || art.HostPermissions[0] != "https://*.example.com/*" {
		t.Errorf("host permissions = %v", art.HostPermissions)
	}
	if len(art.ContentScriptRules) != 1 || !art.ContentScriptRules[0].AllFrames {
		t.Errorf("content scripts = %+v", art.ContentScriptRules)
	}
	if art.InstallSource != xrs.InstallSourceUnpacked {
		t.Errorf("install source = %v", art.InstallSource)
	}

	// js and html collected in sorted order, binaries and docs ignored
	var paths []string
	for _, f := range art.SourceFiles {
		paths = append(paths, f.Path)
	}
	want := []string{"background.js", "content/inject.js", "popup.html"}
	if len(paths) != len(want) {
		t.Fatalf("source files = %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("source[%d] = %s, want %s", i, paths[i], want[i])
		}
	}
}

func TestLoadDirectoryMV2SplitsHostPatterns(t *testing.T) {
	dir := writeExtensionDir(t, mv2Manifest)
	l := New(nil, nil)

	art, err := l.LoadDirectory(dir, xrs.InstallSourceStore)
	if err != nil {
		t.Fatalf("LoadDirectory: %v", err)
	}

	wantPerms := []string{"cookies", "webRequest"}
	if len(art.Permissions) != len(wantPerms) {
		t.Fatalf("permissions = %v, want %v", art.Permissions, wantPerms)
	}
	wantHosts := []string{"<all_urls>", "https://api.example.com/*"}
	if len(art.HostPermissions) != len(wantHosts) {
		t.Fatalf("host permissions = %v, want %v", art.HostPermissions, wantHosts)
	}
}

func TestLoadDirectoryNormalizesCSP(t *testing.T) {
	l := New(nil, nil)

	tests := []struct {
		name     string
		manifest string
		want     string
	}{
		{
			name: "mv3 object form",
			manifest: `{
				"manifest_version": 3,
				"name": "A", "version": "1",
				"content_security_policy": {"extension_pages": "script-src 'self' 'unsafe-eval'"}
			}`,
			want: "script-src 'self' 'unsafe-eval'",
		},
		{
			name: "mv2 string form",
			manifest: `{
				"manifest_version": 2,
				"name": "B", "version": "1",
				"content_security_policy": "script-src 'self' 'unsafe-inline'; object-src 'self'"
			}`,
			want: "script-src 'self' 'unsafe-inline'; object-src 'self'",
		},
		{
			name:     "absent",
			manifest: `{"manifest_version": 3, "name": "C", "version": "1"}`,
			want:     "",
		},
		{
			name: "malformed value treated as absent",
			manifest: `{
				"manifest_version": 3,
				"name": "D", "version": "1",
				"content_security_policy": 42
			}`,
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeExtensionDir(t, tt.manifest)
			art, err := l.LoadDirectory(dir, "")
			if err != nil {
				t.Fatalf("LoadDirectory: %v", err)
			}
			if art.ContentSecurityPolicy != tt.want {
				t.Errorf("csp = %q, want %q", art.ContentSecurityPolicy, tt.want)
			}
		})
	}
}

func TestLoadDirectoryErrors(t *testing.T) {
	l := New(nil, nil)

	if _, err := l.LoadDirectory(filepath.Join(t.TempDir(), "nope"), ""); !errors.IsNotFound(err) {
		t.Errorf("missing dir error = %v, want not found", err)
	}

	empty := t.TempDir()
	if _, err := l.LoadDirectory(empty, ""); !errors.IsInvalidInput(err) {
		t.Errorf("missing manifest error = %v, want invalid input", err)
	}
}

func TestLoadDirectorySkipsOversizedFiles(t *testing.T) {
	dir := writeExtensionDir(t, mv3Manifest)
	big := make([]byte, 256)
	if err := os.WriteFile(filepath.Join(dir, "big.js"), big, 0o644); err != nil {
		t.Fatal(err)
	}

	l := New(&Config{MaxFileSize: 128}, nil)
	art, err := l.LoadDirectory(dir, "")
	if err != nil {
		t.Fatalf("LoadDirectory: %v", err)
	}
	for _, f := range art.SourceFiles {
		if f.Path == "big.js" {
			t.Error("oversized file should be skipped")
		}
	}
}

func buildZip(t *testing.T, manifest string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, text := range map[string]string{
		"manifest.json": manifest,
		"bg.js":         `fetch("https://api.example.com");`,
	} {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := w.Write([]byte(text)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestLoadArchiveZip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ext.zip")
	if err := os.WriteFile(path, buildZip(t, mv3Manifest), 0o644); err != nil {
		t.Fatal(err)
	}

	l := New(nil, nil)
	art, err := l.LoadArchive(path, xrs.InstallSourceSideload)
	if err != nil {
		t.Fatalf("LoadArchive: %v", err)
	}
	if art.Name != "Tab Helper" {
		t.Errorf("name = %s", art.Name)
	}
	if len(art.SourceFiles) != 1 || art.SourceFiles[0].Path != "bg.js" {
		t.Errorf("source files = %+v", art.SourceFiles)
	}
	if art.InstallSource.IsStore() {
		t.Error("sideload archive should not be a store install")
	}
}

func TestLoadArchiveCRX(t *testing.T) {
	zipData := buildZip(t, mv3Manifest)

	t.Run("crx2", func(t *testing.T) {
		key := []byte("fake-key")
		sig := []byte("fake-signature")
		var buf bytes.Buffer
		buf.WriteString("Cr24")
		_ = binary.Write(&buf, binary.LittleEndian, uint32(2))
		_ = binary.Write(&buf, binary.LittleEndian, uint32(len(key)))
		_ = binary.Write(&buf, binary.LittleEndian, uint32(len(sig)))
		buf.Write(key)
		buf.Write(sig)
		buf.Write(zipData)

		path := filepath.Join(t.TempDir(), "ext.crx")
		if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
			t.Fatal(err)
		}

		art, err := New(nil, nil).LoadArchive(path, xrs.InstallSourceStore)
		if err != nil {
			t.Fatalf("LoadArchive: %v", err)
		}
		if art.Name != "Tab Helper" {
			t.Errorf("name = %s", art.Name)
		}
	})

	t.Run("crx3", func(t *testing.T) {
		header := []byte("signed-header-data")
		var buf bytes.Buffer
		buf.WriteString("Cr24")
		_ = binary.Write(&buf, binary.LittleEndian, uint32(3))
		_ = binary.Write(&buf, binary.LittleEndian, uint32(len(header)))
		buf.Write(header)
		buf.Write(zipData)

		path := filepath.Join(t.TempDir(), "ext.crx")
		if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
			t.Fatal(err)
		}

		art, err := New(nil, nil).LoadArchive(path, xrs.InstallSourceStore)
		if err != nil {
			t.Fatalf("LoadArchive: %v", err)
		}
		if art.Name != "Tab Helper" {
			t.Errorf("name = %s", art.Name)
		}
	})

	t.Run("truncated", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.crx")
		if err := os.WriteFile(path, []byte("Cr24\x02\x00"), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := New(nil, nil).LoadArchive(path, ""); !errors.IsInvalidInput(err) {
			t.Errorf("error = %v, want invalid input", err)
		}
	})
}

func TestDerivedIDStable(t *testing.T) {
	dir := writeExtensionDir(t, mv3Manifest)
	l := New(nil, nil)

	a, err := l.LoadDirectory(dir, "")
	if err != nil {
		t.Fatal(err)
	}
	b, err := l.LoadDirectory(dir, "")
	if err != nil {
		t.Fatal(err)
	}
	if a.ID != b.ID {
		t.Errorf("ids differ: %s vs %s", a.ID, b.ID)
	}
}
