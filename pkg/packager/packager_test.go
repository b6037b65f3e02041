package packager

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"
	"gopkg.in/yaml.v3"

	"xforge/pkg/pipeline"
	"xforge/pkg/target"
)

func writeArtifact(t *testing.T, dir, name, content string) pipeline.Artifact {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return pipeline.Artifact{Path: path, Task: "compile"}
}

func baseRequest(t *testing.T, dir string, platform target.Platform) Request {
	t.Helper()
	return Request{
		Name:       "hello",
		Identifier: "com.example.hello",
		Version:    "1.2.0",
		EntryPoint: "hello",
		Profile:    target.Profile{Platform: platform, Arch: target.Arm64, Opt: target.Release},
		Artifacts: []pipeline.Artifact{
			writeArtifact(t, dir, "hello", "binary bits"),
			writeArtifact(t, dir, "assets.bin", "asset bits"),
		},
	}
}

func TestAssembleLinuxContainer(t *testing.T) {
	dir := t.TempDir()
	p := Packager{OutDir: filepath.Join(dir, "dist")}

	pkg, err := p.Assemble(context.Background(), baseRequest(t, dir, target.Linux))
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if filepath.Base(pkg.Path) != "hello.zip" {
		t.Errorf("path = %q, want hello.zip", pkg.Path)
	}

	zr, err := zip.OpenReader(pkg.Path)
	if err != nil {
		t.Fatalf("open container: %v", err)
	}
	defer zr.Close()

	names := make(map[string]bool)
	for _, f := range zr.File {
		names[f.Name] = true
	}
	for _, want := range []string{"manifest.yaml", "bin/hello", "bin/assets.bin"} {
		if !names[want] {
			t.Errorf("container missing %q, has %v", want, names)
		}
	}

	var manifestFile *zip.File
	for _, f := range zr.File {
		if f.Name == "manifest.yaml" {
			manifestFile = f
		}
	}
	raw, err := readEntry(manifestFile)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		t.Fatalf("parse manifest: %v", err)
	}
	if m.EntryPoint != "bin/hello" || m.Platform != "linux" || m.Identifier != "com.example.hello" {
		t.Errorf("manifest = %+v", m)
	}
	if m.Signature != "" {
		t.Errorf("unsigned package carries signature %q", m.Signature)
	}
}

func TestAssembleIOSContainerIsPrefixed(t *testing.T) {
	dir := t.TempDir()
	p := Packager{OutDir: filepath.Join(dir, "dist")}

	pkg, err := p.Assemble(context.Background(), baseRequest(t, dir, target.IOS))
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if filepath.Base(pkg.Path) != "hello.ipa" {
		t.Errorf("path = %q, want hello.ipa", pkg.Path)
	}

	zr, err := zip.OpenReader(pkg.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()
	for _, f := range zr.File {
		if !strings.HasPrefix(f.Name, "Payload/hello.app/") {
			t.Errorf("entry %q outside the app bundle", f.Name)
		}
	}
}

func TestAssembleSignedContainer(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv(envSigningKey, identity.String())
	t.Setenv(envSigningPub, "")

	signer, err := LoadSigner()
	if err != nil {
		t.Fatalf("LoadSigner: %v", err)
	}
	if !signer.CanSign() {
		t.Fatal("signer cannot sign")
	}

	dir := t.TempDir()
	p := Packager{OutDir: filepath.Join(dir, "dist"), Signer: signer}
	pkg, err := p.Assemble(context.Background(), baseRequest(t, dir, target.Android))
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	m := pkg.Manifest
	if m.Signature == "" || m.SigningPublicKey == "" {
		t.Fatal("manifest is not signed")
	}
	payload, err := m.SigningBytes()
	if err != nil {
		t.Fatal(err)
	}
	if err := signer.Verify(payload, m.Signature, m.SigningPublicKey); err != nil {
		t.Errorf("Verify: %v", err)
	}

	// A verify-only signer built from the embedded key also accepts it.
	if err := (*Signer)(nil).Verify(payload, m.Signature, m.SigningPublicKey); err != nil {
		t.Errorf("verify without configured key: %v", err)
	}
}

func TestAssembleRejectsMissingEntryPoint(t *testing.T) {
	dir := t.TempDir()
	req := baseRequest(t, dir, target.Linux)
	req.EntryPoint = "not-built"

	p := Packager{OutDir: filepath.Join(dir, "dist")}
	_, err := p.Assemble(context.Background(), req)
	var invalid *InvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("got %v, want InvalidError", err)
	}

	entries, _ := os.ReadDir(filepath.Join(dir, "dist"))
	if len(entries) != 0 {
		t.Errorf("partial container left behind: %v", entries)
	}
}

func TestAssembleRejectsMissingManifestFields(t *testing.T) {
	dir := t.TempDir()
	req := baseRequest(t, dir, target.Linux)
	req.Identifier = ""

	p := Packager{OutDir: filepath.Join(dir, "dist")}
	_, err := p.Assemble(context.Background(), req)
	var invalid *InvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("got %v, want InvalidError", err)
	}
	if !strings.Contains(invalid.Reason, "identifier") {
		t.Errorf("reason = %q", invalid.Reason)
	}
}

func TestAssembleUnsupportedPlatform(t *testing.T) {
	dir := t.TempDir()
	req := baseRequest(t, dir, target.Platform("freebsd"))

	p := Packager{OutDir: filepath.Join(dir, "dist")}
	_, err := p.Assemble(context.Background(), req)
	var unsupported *UnsupportedFormatError
	if !errors.As(err, &unsupported) {
		t.Fatalf("got %v, want UnsupportedFormatError", err)
	}
	if unsupported.Platform != "freebsd" {
		t.Errorf("platform = %q", unsupported.Platform)
	}
}
