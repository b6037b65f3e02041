package target

import (
	"fmt"
	"runtime"
)

// Platform identifies the operating system an artifact is built for.
type Platform string

const (
	Android Platform = "android"
	IOS     Platform = "ios"
	Linux   Platform = "linux"
	MacOS   Platform = "macos"
	Windows Platform = "windows"
)

// HostPlatform resolves the platform of the machine xforge runs on.
func HostPlatform() Platform {
	switch runtime.GOOS {
	case "darwin":
		return MacOS
	case "windows":
		return Windows
	default:
		return Linux
	}
}

// ParsePlatform converts a user-supplied platform string.
func ParsePlatform(s string) (Platform, error) {
	switch Platform(s) {
	case Android, IOS, Linux, MacOS, Windows:
		return Platform(s), nil
	case "host":
		return HostPlatform(), nil
	default:
		return "", fmt.Errorf("unsupported platform %q", s)
	}
}

// Arch identifies a CPU architecture.
type Arch string

const (
	Arm64 Arch = "arm64"
	Arm   Arch = "arm"
	X64   Arch = "x64"
	X86   Arch = "x86"
)

// HostArch resolves the architecture of the machine xforge runs on.
func HostArch() Arch {
	switch runtime.GOARCH {
	case "amd64":
		return X64
	case "386":
		return X86
	case "arm":
		return Arm
	default:
		return Arm64
	}
}

// ParseArch converts an architecture string, accepting the common aliases
// reported by device daemons (arm64e, armv7, x86_64, amd64).
func ParseArch(s string) (Arch, error) {
	switch s {
	case "arm64", "arm64e", "aarch64":
		return Arm64, nil
	case "arm", "armv7":
		return Arm, nil
	case "x64", "x86_64", "amd64":
		return X64, nil
	case "x86", "386", "i686":
		return X86, nil
	default:
		return "", fmt.Errorf("unsupported arch %q", s)
	}
}

// Opt selects the optimization mode of a build.
type Opt string

const (
	Debug   Opt = "debug"
	Release Opt = "release"
)

// Profile is the immutable build target configuration for one pipeline run.
type Profile struct {
	Platform   Platform
	Arch       Arch
	Opt        Opt
	Toolchains map[string]string
}

// Triple returns the canonical target triple for the profile.
func (p Profile) Triple() string {
	return fmt.Sprintf("%s-%s-%s", p.Arch, p.Platform, p.Opt)
}

// AndroidABI returns the ABI directory name used in android containers.
func (a Arch) AndroidABI() string {
	switch a {
	case Arm64:
		return "arm64-v8a"
	case Arm:
		return "armeabi-v7a"
	case X64:
		return "x86_64"
	default:
		return "x86"
	}
}
