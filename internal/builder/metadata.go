package builder

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/containerd/errdefs"
)

// MetadataKey is the commit metadata key flatpak reads the runtime
// metadata from.
const MetadataKey = "xa.metadata"

var runtimeMetadataTemplate = template.Must(template.New("metadata").Option("missingkey=error").Parse(
	"[Runtime]\nname={{.Name}}\narch={{.Arch}}\nversion={{.Version}}"))

// RuntimeMetadata is the keyfile flatpak expects at the root of a runtime.
type RuntimeMetadata struct {
	Name    string
	Arch    string
	Version string
}

func (m RuntimeMetadata) Validate() error {
	for _, f := range []struct{ key, value string }{
		{"name", m.Name},
		{"arch", m.Arch},
		{"version", m.Version},
	} {
		if f.value == "" {
			return fmt.Errorf("runtime %s is empty: %w", f.key, errdefs.ErrInvalidArgument)
		}
		if strings.ContainsAny(f.value, "\n\r/") {
			return fmt.Errorf("runtime %s %q contains an invalid character: %w", f.key, f.value, errdefs.ErrInvalidArgument)
		}
	}
	return nil
}

// Render produces the metadata text. It has no trailing newline and is a
// pure function of the three fields.
func (m RuntimeMetadata) Render() (string, error) {
	if err := m.Validate(); err != nil {
		return "", err
	}
	var sb strings.Builder
	if err := runtimeMetadataTemplate.Execute(&sb, m); err != nil {
		return "", fmt.Errorf("render runtime metadata: %w", err)
	}
	return sb.String(), nil
}
