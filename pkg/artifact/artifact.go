// Package artifact builds extension artifacts from extracted directories
// and packed archives (zip and crx).
package artifact

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/exploopio/extrisk/pkg/core"
	"github.com/exploopio/extrisk/pkg/errors"
	"github.com/exploopio/extrisk/pkg/shared/fingerprint"
	"github.com/exploopio/extrisk/pkg/xrs"
)

// Config bounds what the loader reads.
type Config struct {
	// MaxFileSize is the per-file read limit in bytes. Default 2MB.
	MaxFileSize int64

	// MaxTotalSize caps the sum of all collected source bytes. Default 32MB.
	MaxTotalSize int64

	// MaxFiles caps the number of collected source files. Default 500.
	MaxFiles int

	// SourceExtensions are the file extensions collected for code
	// analysis, lowercase with dot.
	SourceExtensions []string
}

// DefaultConfig returns the loader defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxFileSize:      2 * 1024 * 1024,
		MaxTotalSize:     32 * 1024 * 1024,
		MaxFiles:         500,
		SourceExtensions: []string{".js", ".mjs", ".html", ".htm"},
	}
}

// Loader builds artifacts from the filesystem.
type Loader struct {
	cfg    *Config
	logger core.Logger
}

// New creates a loader. cfg and logger may be nil.
func New(cfg *Config, logger core.Logger) *Loader {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 2 * 1024 * 1024
	}
	if cfg.MaxTotalSize <= 0 {
		cfg.MaxTotalSize = 32 * 1024 * 1024
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = 500
	}
	if len(cfg.SourceExtensions) == 0 {
		cfg.SourceExtensions = DefaultConfig().SourceExtensions
	}
	if logger == nil {
		logger = &core.NopLogger{}
	}
	return &Loader{cfg: cfg, logger: logger}
}

// LoadDirectory builds an artifact from an extracted extension directory.
// The directory must contain a manifest.json at its root.
func (l *Loader) LoadDirectory(dir string, source xrs.InstallSource) (*xrs.ExtensionArtifact, error) {
	const op = "artifact.LoadDirectory"

	info, err := os.Stat(dir)
	if err != nil {
		return nil, errors.E(errors.KindNotFound, op, "extension directory", err)
	}
	if !info.IsDir() {
		return nil, errors.E(errors.KindInvalidInput, op, "path is not a directory")
	}

	manifestData, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		return nil, errors.E(errors.KindInvalidInput, op, "manifest.json missing", err)
	}

	art, err := l.fromManifest(manifestData, source)
	if err != nil {
		return nil, err
	}

	var paths []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !l.isSource(path) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, errors.E(errors.KindStorage, op, "walk extension directory", err)
	}
	sort.Strings(paths)

	var total int64
	for _, path := range paths {
		if len(art.SourceFiles) >= l.cfg.MaxFiles {
			l.logger.Warn("file cap %d reached, ignoring remaining sources", l.cfg.MaxFiles)
			break
		}
		fi, err := os.Stat(path)
		if err != nil || fi.Size() > l.cfg.MaxFileSize {
			l.logger.Warn("skipping %s: unreadable or over %d bytes", path, l.cfg.MaxFileSize)
			continue
		}
		if total+fi.Size() > l.cfg.MaxTotalSize {
			l.logger.Warn("total size cap reached at %s", path)
			break
		}
		data, err := os.ReadFile(path)
		if err != nil {
			l.logger.Warn("skipping %s: %v", path, err)
			continue
		}
		rel, _ := filepath.Rel(dir, path)
		art.SourceFiles = append(art.SourceFiles, xrs.SourceFile{
			Path: filepath.ToSlash(rel),
			Text: string(data),
		})
		total += fi.Size()
	}
	return art, nil
}

// LoadArchive builds an artifact from a packed zip or crx file.
func (l *Loader) LoadArchive(path string, source xrs.InstallSource) (*xrs.ExtensionArtifact, error) {
	const op = "artifact.LoadArchive"

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.E(errors.KindNotFound, op, "archive", err)
	}

	zipData, err := stripCRXHeader(data)
	if err != nil {
		return nil, errors.E(errors.KindInvalidInput, op, "crx header", err)
	}

	zr, err := zip.NewReader(bytes.NewReader(zipData), int64(len(zipData)))
	if err != nil {
		return nil, errors.E(errors.KindInvalidInput, op, "not a zip archive", err)
	}

	var manifestData []byte
	for _, f := range zr.File {
		if f.Name == "manifest.json" {
			manifestData, err = readZipFile(f, l.cfg.MaxFileSize)
			if err != nil {
				return nil, errors.E(errors.KindInvalidInput, op, "read manifest.json", err)
			}
			break
		}
	}
	if manifestData == nil {
		return nil, errors.E(errors.KindInvalidInput, op, "manifest.json missing from archive")
	}

	art, err := l.fromManifest(manifestData, source)
	if err != nil {
		return nil, err
	}

	files := make([]*zip.File, 0, len(zr.File))
	for _, f := range zr.File {
		if l.isSource(f.Name) {
			files = append(files, f)
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	var total int64
	for _, f := range files {
		if len(art.SourceFiles) >= l.cfg.MaxFiles {
			l.logger.Warn("file cap %d reached, ignoring remaining sources", l.cfg.MaxFiles)
			break
		}
		if int64(f.UncompressedSize64) > l.cfg.MaxFileSize { //nolint:gosec // bounded by archive format
			l.logger.Warn("skipping %s: over %d bytes", f.Name, l.cfg.MaxFileSize)
			continue
		}
		if total+int64(f.UncompressedSize64) > l.cfg.MaxTotalSize { //nolint:gosec
			l.logger.Warn("total size cap reached at %s", f.Name)
			break
		}
		data, err := readZipFile(f, l.cfg.MaxFileSize)
		if err != nil {
			l.logger.Warn("skipping %s: %v", f.Name, err)
			continue
		}
		art.SourceFiles = append(art.SourceFiles, xrs.SourceFile{Path: f.Name, Text: string(data)})
		total += int64(len(data))
	}
	return art, nil
}

// =============================================================================
// Manifest parsing
// =============================================================================

// rawManifest covers the MV2 and MV3 fields the analyzers consume.
type rawManifest struct {
	Name            string   `json:"name"`
	Version         string   `json:"version"`
	ManifestVersion int      `json:"manifest_version"`
	Permissions     []any    `json:"permissions"`
	OptionalPerms   []any    `json:"optional_permissions"`
	HostPermissions []string `json:"host_permissions"`
	ContentScripts  []struct {
		Matches   []string `json:"matches"`
		RunAt     string   `json:"run_at"`
		AllFrames bool     `json:"all_frames"`
	} `json:"content_scripts"`

	// MV2 declares a string, MV3 an object keyed by surface.
	ContentSecurityPolicy json.RawMessage `json:"content_security_policy"`
}

func (l *Loader) fromManifest(data []byte, source xrs.InstallSource) (*xrs.ExtensionArtifact, error) {
	const op = "artifact.fromManifest"

	var m rawManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.E(errors.KindInvalidInput, op, "malformed manifest.json", err)
	}

	art := &xrs.ExtensionArtifact{
		Name:            m.Name,
		Version:         m.Version,
		ManifestVersion: m.ManifestVersion,
		HostPermissions: append([]string{}, m.HostPermissions...),
		InstallSource:   source,
	}

	// MV2 mixes host match patterns into the permissions array; split them
	// out so both schema versions normalize to the same shape.
	for _, p := range declaredStrings(m.Permissions, m.OptionalPerms) {
		if isHostPattern(p) {
			art.HostPermissions = append(art.HostPermissions, p)
		} else {
			art.Permissions = append(art.Permissions, p)
		}
	}

	for _, cs := range m.ContentScripts {
		art.ContentScriptRules = append(art.ContentScriptRules, xrs.ContentScriptRule{
			Matches:   cs.Matches,
			RunAt:     cs.RunAt,
			AllFrames: cs.AllFrames,
		})
	}

	art.ContentSecurityPolicy = extensionPagesCSP(m.ContentSecurityPolicy)

	// Packed extensions carry no id in the manifest; derive a stable one
	// from the identity fields.
	art.ID = fingerprint.Hash("artifact:" + strings.ToLower(m.Name) + ":" + m.Version)[:32]
	return art, nil
}

// extensionPagesCSP normalizes the two manifest CSP shapes to the policy
// applied to extension pages. A malformed value is treated as absent.
func extensionPagesCSP(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		ExtensionPages string `json:"extension_pages"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ExtensionPages
	}
	return ""
}

// declaredStrings flattens permission arrays, dropping non-string entries
// (MV2 allows objects like usbDevices there).
func declaredStrings(lists ...[]any) []string {
	var out []string
	for _, list := range lists {
		for _, v := range list {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

func isHostPattern(p string) bool {
	return p == "<all_urls>" || strings.Contains(p, "://")
}

func (l *Loader) isSource(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, want := range l.cfg.SourceExtensions {
		if ext == want {
			return true
		}
	}
	return false
}

// =============================================================================
// Archive helpers
// =============================================================================

// crxMagic is the signature prefix of packed Chrome extensions.
var crxMagic = []byte("Cr24")

// stripCRXHeader returns the embedded zip payload of a crx file, or the
// input unchanged when it is already a plain zip.
func stripCRXHeader(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, crxMagic) {
		return data, nil
	}
	if len(data) < 12 {
		return nil, errors.E(errors.KindInvalidInput, "artifact.stripCRXHeader", "truncated crx header")
	}
	version := binary.LittleEndian.Uint32(data[4:8])
	switch version {
	case 2:
		// magic + version + pubkey length + signature length, then both blobs
		if len(data) < 16 {
			return nil, errors.E(errors.KindInvalidInput, "artifact.stripCRXHeader", "truncated crx2 header")
		}
		keyLen := binary.LittleEndian.Uint32(data[8:12])
		sigLen := binary.LittleEndian.Uint32(data[12:16])
		offset := 16 + int64(keyLen) + int64(sigLen)
		if offset > int64(len(data)) {
			return nil, errors.E(errors.KindInvalidInput, "artifact.stripCRXHeader", "crx2 header exceeds file size")
		}
		return data[offset:], nil
	case 3:
		// magic + version + header length, then the signed header proto
		headerLen := binary.LittleEndian.Uint32(data[8:12])
		offset := 12 + int64(headerLen)
		if offset > int64(len(data)) {
			return nil, errors.E(errors.KindInvalidInput, "artifact.stripCRXHeader", "crx3 header exceeds file size")
		}
		return data[offset:], nil
	default:
		return nil, errors.E(errors.KindInvalidInput, "artifact.stripCRXHeader", "unsupported crx version")
	}
}

func readZipFile(f *zip.File, limit int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, limit))
}
