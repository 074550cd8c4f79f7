package builder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/errdefs"

	"github.com/MosakujiHokuto/flatpak-oci-tools/pkg/flatpak"
)

// ManifestTemplatePath is where application images carry their
// flatpak-builder manifest.
const ManifestTemplatePath = "/flatpak.yaml"

const (
	PlaceholderAppID          = "%FLATPAK_OCI_APPID%"
	PlaceholderRuntimeID      = "%FLATPAK_OCI_RUNTIMEID%"
	PlaceholderRuntimeVersion = "%FLATPAK_OCI_RUNTIMEVER%"
)

type AppSpec struct {
	AppID          string
	Arch           string
	RuntimeID      string
	RuntimeVersion string
	PublishRepo    string
}

func (s AppSpec) Validate() error {
	switch {
	case s.AppID == "":
		return fmt.Errorf("app id is empty: %w", errdefs.ErrInvalidArgument)
	case s.Arch == "":
		return fmt.Errorf("app arch is empty: %w", errdefs.ErrInvalidArgument)
	case s.RuntimeID == "" || s.RuntimeVersion == "":
		return fmt.Errorf("app %s has no runtime: %w", s.AppID, errdefs.ErrInvalidArgument)
	case s.PublishRepo == "":
		return fmt.Errorf("app %s has no publish repository: %w", s.AppID, errdefs.ErrInvalidArgument)
	}
	return nil
}

type AppResult struct {
	Branch   string
	Manifest string
	// MissingPlaceholders lists placeholders the template did not use.
	MissingPlaceholders []string
}

// AppBuilder builds the application shipped inside the base tree of a
// BuildContext against the runtime built from the same image.
type AppBuilder struct {
	store   checkouter
	bundler flatpak.Bundler
	logger  *slog.Logger
}

type checkouter interface {
	Checkout(ctx context.Context, repo, branch, subpath, dest string) error
}

func NewAppBuilder(store checkouter, bundler flatpak.Bundler, logger *slog.Logger) *AppBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &AppBuilder{store: store, bundler: bundler, logger: logger}
}

func (b *AppBuilder) Build(ctx context.Context, bc *BuildContext, spec AppSpec) (*AppResult, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	logger := b.logger.With("app", spec.AppID)

	appDir := bc.Path("app")
	if err := b.store.Checkout(ctx, bc.Repo(), BaseBranch, ManifestTemplatePath, appDir); err != nil {
		return nil, fmt.Errorf("extract manifest template: %w", err)
	}

	tmpl, err := os.ReadFile(filepath.Join(appDir, filepath.Base(ManifestTemplatePath)))
	if err != nil {
		return nil, fmt.Errorf("read manifest template: %w", err)
	}

	manifest, missing := RenderManifest(string(tmpl), spec)
	for _, p := range missing {
		logger.WarnContext(ctx, "manifest template does not use placeholder", "placeholder", p)
	}

	name := spec.AppID + ".yaml"
	if err := os.WriteFile(filepath.Join(appDir, name), []byte(manifest), 0o644); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	if err := b.bundler.Build(ctx, appDir, name, spec.PublishRepo); err != nil {
		return nil, fmt.Errorf("bundle app: %w", err)
	}

	branch := AppBranch(spec.AppID, spec.Arch)
	logger.InfoContext(ctx, "app published", "branch", branch, "repo", spec.PublishRepo)
	return &AppResult{
		Branch:              branch,
		Manifest:            name,
		MissingPlaceholders: missing,
	}, nil
}

// RenderManifest substitutes every placeholder occurrence textually and
// reports the placeholders that did not occur.
func RenderManifest(tmpl string, spec AppSpec) (string, []string) {
	var missing []string
	var pairs []string
	for _, p := range []struct{ token, value string }{
		{PlaceholderAppID, spec.AppID},
		{PlaceholderRuntimeID, spec.RuntimeID},
		{PlaceholderRuntimeVersion, spec.RuntimeVersion},
	} {
		if !strings.Contains(tmpl, p.token) {
			missing = append(missing, p.token)
		}
		pairs = append(pairs, p.token, p.value)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl), missing
}
