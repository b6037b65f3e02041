package packager

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest is the metadata file embedded in every package. Its yaml
// encoding is the byte-for-byte contract with platform installers, so
// fields marshal in declaration order and the signature covers the
// encoding with the signature field blanked.
type Manifest struct {
	Name             string             `yaml:"name"`
	Identifier       string             `yaml:"identifier"`
	Version          string             `yaml:"version"`
	Platform         string             `yaml:"platform"`
	Arch             string             `yaml:"arch"`
	Opt              string             `yaml:"opt"`
	EntryPoint       string             `yaml:"entry_point"`
	CreatedAt        time.Time          `yaml:"created_at"`
	Signer           string             `yaml:"signer,omitempty"`
	SigningPublicKey string             `yaml:"signing_public_key,omitempty"`
	Signature        string             `yaml:"signature,omitempty"`
	Artifacts        []ManifestArtifact `yaml:"artifacts"`
}

// ManifestArtifact describes one file inside the container.
type ManifestArtifact struct {
	Path   string `yaml:"path"`
	Task   string `yaml:"task,omitempty"`
	Size   int64  `yaml:"size"`
	SHA256 string `yaml:"sha256"`
}

// SigningBytes marshals the manifest without its signature for
// signing and verification.
func (m Manifest) SigningBytes() ([]byte, error) {
	clone := m
	clone.Signature = ""
	return yaml.Marshal(clone)
}

func (m Manifest) validate() error {
	for _, f := range []struct{ name, value string }{
		{"name", m.Name},
		{"identifier", m.Identifier},
		{"version", m.Version},
		{"platform", m.Platform},
		{"arch", m.Arch},
		{"entry_point", m.EntryPoint},
	} {
		if f.value == "" {
			return fmt.Errorf("manifest field %q is empty", f.name)
		}
	}
	if len(m.Artifacts) == 0 {
		return fmt.Errorf("manifest lists no artifacts")
	}
	return nil
}
