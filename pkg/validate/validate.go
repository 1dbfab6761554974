// Package validate implements the mount, volume, and tmpfs input
// validation of spec section 4.8: path traversal and sensitive-path
// denylists for bind mounts, volume name format, and tmpfs size limits.
package validate

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cuemby/quilt/pkg/quiltrrors"
	"github.com/cuemby/quilt/pkg/types"
	units "github.com/docker/go-units"
)

// deniedSourcePrefixes may never be used as a bind mount source, even
// transitively through a symlink.
var deniedSourcePrefixes = []string{
	"/proc", "/sys", "/dev", "/boot", "/root/.ssh",
}

// deniedSourceExact names specific files that may never be bind-mounted.
var deniedSourceExact = []string{
	"/etc/passwd", "/etc/shadow", "/etc/sudoers",
}

// warnSourcePrefixes trigger a logged warning but are otherwise allowed.
var warnSourcePrefixes = []string{"/home", "/var", "/opt"}

// protectedTargets may never be the target of a mount inside the
// container rootfs.
var protectedTargets = map[string]bool{
	"/": true, "/bin": true, "/sbin": true, "/lib": true, "/lib64": true,
	"/usr": true, "/proc": true, "/sys": true, "/dev": true, "/etc": true,
}

const (
	volumeNameMaxLen = 64
	tmpfsMinBytes    = 1 << 20        // 1 MiB
	tmpfsMaxBytes    = 10 << 30       // 10 GiB
)

// Mount validates one mount spec against spec section 4.8, returning a
// slice of non-fatal warnings (e.g. risky bind source) and an error if
// the mount is rejected outright.
func Mount(m types.Mount) (warnings []string, err error) {
	if err := target(m.Target); err != nil {
		return nil, err
	}

	switch m.Type {
	case types.MountBind:
		w, err := bindSource(m.Source)
		if err != nil {
			return nil, err
		}
		warnings = w
	case types.MountVolume:
		if err := VolumeName(m.Source); err != nil {
			return nil, err
		}
	case types.MountTmpfs:
		if size, ok := m.Options["size"]; ok {
			if _, err := TmpfsSize(size); err != nil {
				return nil, err
			}
		}
	default:
		return nil, &quiltrrors.ValidationFailed{Message: fmt.Sprintf("unknown mount type %q", m.Type)}
	}

	return warnings, nil
}

// bindSource validates a bind mount's host source path: it must exist,
// must not traverse "..", and must not resolve (after following
// symlinks) into a denied path. Paths under a warn-listed prefix are
// allowed but reported back to the caller.
func bindSource(path string) ([]string, error) {
	if path == "" {
		return nil, &quiltrrors.ValidationFailed{Message: "bind mount source is required"}
	}
	if strings.Contains(path, "..") {
		return nil, &quiltrrors.ValidationFailed{Message: "bind mount source must not contain '..'"}
	}

	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &quiltrrors.ValidationFailed{Message: fmt.Sprintf("bind mount source does not exist: %s", path)}
		}
		return nil, &quiltrrors.ValidationFailed{Message: fmt.Sprintf("cannot resolve bind mount source %s: %v", path, err)}
	}

	for _, exact := range deniedSourceExact {
		if resolved == exact {
			return nil, &quiltrrors.ValidationFailed{Message: fmt.Sprintf("mounting %s is not allowed", exact)}
		}
	}
	for _, denied := range deniedSourcePrefixes {
		if withinPrefix(resolved, denied) {
			return nil, &quiltrrors.ValidationFailed{Message: fmt.Sprintf("mounting under %s is not allowed", denied)}
		}
	}

	var warnings []string
	for _, risky := range warnSourcePrefixes {
		if withinPrefix(resolved, risky) {
			warnings = append(warnings, fmt.Sprintf("mounting %s may expose sensitive data", risky))
		}
	}
	return warnings, nil
}

// target validates a mount target path inside the container rootfs.
func target(path string) error {
	if !strings.HasPrefix(path, "/") {
		return &quiltrrors.ValidationFailed{Message: "mount target must be an absolute path"}
	}
	if strings.Contains(path, "..") {
		return &quiltrrors.ValidationFailed{Message: "mount target must not contain '..'"}
	}
	clean := strings.TrimSuffix(filepath.Clean(path), "/")
	if clean == "" {
		clean = "/"
	}
	if protectedTargets[clean] {
		return &quiltrrors.ValidationFailed{Message: fmt.Sprintf("cannot mount over protected path: %s", clean)}
	}
	return nil
}

// VolumeName validates a volume name: 1-64 characters, alphanumeric
// plus dash/underscore only.
func VolumeName(name string) error {
	if name == "" || len(name) > volumeNameMaxLen {
		return &quiltrrors.ValidationFailed{Message: "volume name must be 1-64 characters"}
	}
	for _, r := range name {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return &quiltrrors.ValidationFailed{Message: "volume name must be alphanumeric, dash, or underscore"}
		}
	}
	return nil
}

// TmpfsSize parses a tmpfs size option (e.g. "100m", "1g") and enforces
// the 1 MiB - 10 GiB range of spec section 4.8. A bare number with no
// unit suffix is rejected even though docker/go-units would otherwise
// accept it, matching the original's unit-required behavior.
func TmpfsSize(size string) (int64, error) {
	if _, err := strconv.ParseInt(size, 10, 64); err == nil {
		return 0, &quiltrrors.ValidationFailed{Message: "tmpfs size must include a unit (k, m, or g)"}
	}

	bytes, err := units.RAMInBytes(size)
	if err != nil {
		return 0, &quiltrrors.ValidationFailed{Message: fmt.Sprintf("invalid tmpfs size %q: %v", size, err)}
	}
	if bytes < tmpfsMinBytes {
		return 0, &quiltrrors.ValidationFailed{Message: "tmpfs size must be at least 1m"}
	}
	if bytes > tmpfsMaxBytes {
		return 0, &quiltrrors.ValidationFailed{Message: "tmpfs size cannot exceed 10g"}
	}
	return bytes, nil
}

// ParseOptions parses a comma-separated "key=value,key" mount option
// string into a map, supplementing the RPC surface's native map
// form (spec.md Open Question / original's utils::security option
// parsing).
func ParseOptions(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		if pair == "" {
			continue
		}
		k, v, found := strings.Cut(pair, "=")
		if !found {
			out[k] = ""
			continue
		}
		out[k] = v
	}
	return out
}

func withinPrefix(resolved, prefix string) bool {
	return resolved == prefix || strings.HasPrefix(resolved, prefix+string(filepath.Separator))
}
