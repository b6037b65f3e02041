// Package packager assembles build artifacts into the platform-native
// container: a zip-based bundle embedding a yaml manifest and, when signing
// material is configured, an Ed25519 signature over that manifest. The
// container is written to a temporary file, validated, and only then moved
// to its final path.
package packager

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/flate"
	"gopkg.in/yaml.v3"

	"xforge/pkg/pipeline"
	"xforge/pkg/target"
	"xforge/pkg/telemetry"
)

// InvalidError reports a package that failed validation. No container file
// is left behind when it is returned.
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string { return "invalid package: " + e.Reason }

func invalidf(format string, args ...any) *InvalidError {
	return &InvalidError{Reason: fmt.Sprintf(format, args...)}
}

// UnsupportedFormatError reports a platform whose container format is not
// implemented.
type UnsupportedFormatError struct {
	Platform target.Platform
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("no package format for platform %q", e.Platform)
}

// Request describes one package to assemble.
type Request struct {
	Name       string
	Identifier string
	Version    string
	// EntryPoint is the file name of the main executable among Artifacts.
	EntryPoint string
	Profile    target.Profile
	Artifacts  []pipeline.Artifact
}

// Package is an assembled, validated container on disk.
type Package struct {
	Path     string
	Platform target.Platform
	Manifest Manifest
}

// Packager assembles packages into OutDir. Signer may be nil for unsigned
// packages.
type Packager struct {
	OutDir string
	Signer *Signer
}

// layout describes a platform's container shape: the file extension, an
// optional directory prefix applied to every entry, and the directory the
// executable lands in.
type layout struct {
	ext    string
	prefix string
	binDir string
}

func containerLayout(req Request) (layout, error) {
	switch req.Profile.Platform {
	case target.Android:
		return layout{ext: ".apk", binDir: "lib/" + req.Profile.Arch.AndroidABI() + "/"}, nil
	case target.IOS:
		return layout{ext: ".ipa", prefix: "Payload/" + req.Name + ".app/"}, nil
	case target.MacOS:
		return layout{ext: ".app.zip", prefix: req.Name + ".app/"}, nil
	case target.Windows:
		return layout{ext: ".msix"}, nil
	case target.Linux:
		return layout{ext: ".zip", binDir: "bin/"}, nil
	default:
		return layout{}, &UnsupportedFormatError{Platform: req.Profile.Platform}
	}
}

// Assemble builds, signs, and validates the container for req. It fails
// fast on unsupported platforms and never leaves a partial container at the
// final destination path.
func (p *Packager) Assemble(ctx context.Context, req Request) (*Package, error) {
	_, span := telemetry.Tracer().Start(ctx, "package "+req.Name)
	defer span.End()

	lay, err := containerLayout(req)
	if err != nil {
		return nil, err
	}

	manifest, err := p.buildManifest(req, lay)
	if err != nil {
		return nil, err
	}
	if err := manifest.validate(); err != nil {
		return nil, &InvalidError{Reason: err.Error()}
	}

	if err := os.MkdirAll(p.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("create %q: %w", p.OutDir, err)
	}
	tmp, err := os.CreateTemp(p.OutDir, ".xforge-*")
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	tmpPath := tmp.Name()
	if err := writeContainer(tmp, req, lay, manifest); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, err
	}

	if err := p.validateContainer(tmpPath, lay); err != nil {
		os.Remove(tmpPath)
		return nil, err
	}

	finalPath := filepath.Join(p.OutDir, req.Name+lay.ext)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("finalize container: %w", err)
	}

	telemetry.PackagesAssembled.Inc()
	return &Package{Path: finalPath, Platform: req.Profile.Platform, Manifest: manifest}, nil
}

// buildManifest hashes the artifacts, resolves their container paths, and
// signs the result when a private key is configured.
func (p *Packager) buildManifest(req Request, lay layout) (Manifest, error) {
	m := Manifest{
		Name:       req.Name,
		Identifier: req.Identifier,
		Version:    req.Version,
		Platform:   string(req.Profile.Platform),
		Arch:       string(req.Profile.Arch),
		Opt:        string(req.Profile.Opt),
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
	for _, a := range req.Artifacts {
		size, sum, err := hashFile(a.Path)
		if err != nil {
			return Manifest{}, invalidf("artifact %q: %v", a.Path, err)
		}
		containerPath := lay.binDir + filepath.Base(a.Path)
		if filepath.Base(a.Path) == req.EntryPoint {
			m.EntryPoint = containerPath
		}
		m.Artifacts = append(m.Artifacts, ManifestArtifact{
			Path:   containerPath,
			Task:   a.Task,
			Size:   size,
			SHA256: sum,
		})
	}
	if m.EntryPoint == "" {
		return Manifest{}, invalidf("entry point %q is not among the artifacts", req.EntryPoint)
	}

	if p.Signer.CanSign() {
		m.Signer = p.Signer.Recipient()
		m.SigningPublicKey = p.Signer.PublicKeyBase64()
		payload, err := m.SigningBytes()
		if err != nil {
			return Manifest{}, fmt.Errorf("encode manifest: %w", err)
		}
		sig, err := p.Signer.Sign(payload)
		if err != nil {
			return Manifest{}, fmt.Errorf("sign manifest: %w", err)
		}
		m.Signature = sig
	}
	return m, nil
}

func hashFile(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()
	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}
	return size, hex.EncodeToString(h.Sum(nil)), nil
}

func writeContainer(w io.Writer, req Request, lay layout, m Manifest) error {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestSpeed)
	})

	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := addEntry(zw, lay.prefix+"manifest.yaml", m.CreatedAt, 0o644, func(dst io.Writer) error {
		_, err := dst.Write(data)
		return err
	}); err != nil {
		return err
	}

	for i, a := range req.Artifacts {
		entry := m.Artifacts[i]
		mode := os.FileMode(0o644)
		if entry.Path == m.EntryPoint {
			mode = 0o755
		}
		if err := addEntry(zw, lay.prefix+entry.Path, m.CreatedAt, mode, func(dst io.Writer) error {
			src, err := os.Open(a.Path)
			if err != nil {
				return err
			}
			defer src.Close()
			_, err = io.Copy(dst, src)
			return err
		}); err != nil {
			return err
		}
	}
	return zw.Close()
}

func addEntry(zw *zip.Writer, name string, mod time.Time, mode os.FileMode, fill func(io.Writer) error) error {
	hdr := &zip.FileHeader{Name: name, Method: zip.Deflate, Modified: mod}
	hdr.SetMode(mode)
	dst, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("container entry %q: %w", name, err)
	}
	if err := fill(dst); err != nil {
		return fmt.Errorf("container entry %q: %w", name, err)
	}
	return nil
}

// validateContainer reopens the written container and checks the manifest
// parses, its required fields are present, the signature (when present)
// verifies, and every declared artifact is in place with matching content.
func (p *Packager) validateContainer(path string, lay layout) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return invalidf("reopen container: %v", err)
	}
	defer zr.Close()

	entries := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		entries[f.Name] = f
	}

	mf, ok := entries[lay.prefix+"manifest.yaml"]
	if !ok {
		return invalidf("container has no manifest")
	}
	raw, err := readEntry(mf)
	if err != nil {
		return invalidf("read manifest: %v", err)
	}
	var got Manifest
	if err := yaml.Unmarshal(raw, &got); err != nil {
		return invalidf("parse manifest: %v", err)
	}
	if err := got.validate(); err != nil {
		return &InvalidError{Reason: err.Error()}
	}

	if got.Signature != "" {
		payload, err := got.SigningBytes()
		if err != nil {
			return invalidf("encode manifest for verification: %v", err)
		}
		if err := p.Signer.Verify(payload, got.Signature, got.SigningPublicKey); err != nil {
			return invalidf("signature: %v", err)
		}
	}

	for _, a := range got.Artifacts {
		f, ok := entries[lay.prefix+a.Path]
		if !ok {
			return invalidf("artifact %q missing from container", a.Path)
		}
		data, err := readEntry(f)
		if err != nil {
			return invalidf("read artifact %q: %v", a.Path, err)
		}
		if int64(len(data)) != a.Size {
			return invalidf("artifact %q has size %d, manifest says %d", a.Path, len(data), a.Size)
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != a.SHA256 {
			return invalidf("artifact %q content does not match manifest digest", a.Path)
		}
	}

	if _, ok := entries[lay.prefix+got.EntryPoint]; !ok {
		return invalidf("entry point %q missing from container", got.EntryPoint)
	}
	return nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
