package cli

import (
	"context"
	"database/sql"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"

	"github.com/MosakujiHokuto/flatpak-oci-tools/internal/config"
	"github.com/MosakujiHokuto/flatpak-oci-tools/internal/db"
	"github.com/MosakujiHokuto/flatpak-oci-tools/internal/db/models"
	"github.com/MosakujiHokuto/flatpak-oci-tools/pkg/cache"
	"github.com/MosakujiHokuto/flatpak-oci-tools/pkg/command"
	"github.com/MosakujiHokuto/flatpak-oci-tools/pkg/flatpak"
	"github.com/MosakujiHokuto/flatpak-oci-tools/pkg/oci"
	"github.com/MosakujiHokuto/flatpak-oci-tools/pkg/progress"
	"github.com/MosakujiHokuto/flatpak-oci-tools/pkg/snapshot"
)

// Deps are the external collaborators of the commands. Nil fields get the
// real implementations.
type Deps struct {
	Runner  command.Runner
	Store   snapshot.Store
	Bundler flatpak.Bundler
}

// env is what every command runs with once the global flags are parsed.
type env struct {
	deps   Deps
	cfg    *config.Config
	logger *slog.Logger
	quiet  bool
	json   bool
}

func (d Deps) withDefaults(logger *slog.Logger) Deps {
	if d.Runner == nil {
		r := command.NewExecRunner()
		r.Logger = logger
		d.Runner = r
	}
	if d.Store == nil {
		d.Store = snapshot.NewOSTree(d.Runner, logger)
	}
	if d.Bundler == nil {
		d.Bundler = flatpak.NewBuilder(d.Runner, logger)
	}
	return d
}

func setup(cmd *cobra.Command, deps Deps) (*env, error) {
	logger, err := baseLogger(cmd)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	user, _ := flags.GetBool(FlagUser)
	path, _ := flags.GetString(FlagConfig)
	required := path != ""
	if path == "" {
		path = config.DefaultPath(user)
	}

	cfg, err := config.Load(path, user, required)
	if err != nil {
		return nil, err
	}
	if flags.Changed(FlagJobs) {
		cfg.Jobs, _ = flags.GetInt(FlagJobs)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	quiet, _ := flags.GetBool(FlagQuiet)
	format, _ := enumGet(flags, FlagLogFormat)

	logger.DebugContext(cmd.Context(), "configuration loaded", "path", path, "user", cfg.User, "repo", cfg.RepoDir, "cache", cfg.CacheDir)
	return &env{
		deps:   deps.withDefaults(logger),
		cfg:    cfg,
		logger: logger,
		quiet:  quiet,
		json:   format == FormatJSON,
	}, nil
}

// progress returns the sink for download events and a stop function that
// must be called once the downloads are over. Stop may be called again.
func (e *env) progress(cmd *cobra.Command) (progress.Sink, func()) {
	if e.quiet || e.json {
		return progress.NoOp, func() {}
	}
	r := progress.NewRenderer(cmd.ErrOrStderr())
	return r, sync.OnceFunc(r.Stop)
}

func (e *env) cache() (*cache.LayerCache, error) {
	return cache.New(e.cfg.CacheDir, cache.WithLogger(e.logger))
}

func (e *env) registry(sink progress.Sink) (*oci.RegistryClient, error) {
	return oci.NewRegistryClient(e.cfg.Registry,
		oci.WithRegistryLogger(e.logger),
		oci.WithProgress(sink),
	)
}

func (e *env) flatpak() *flatpak.Client {
	return flatpak.NewClient(e.deps.Runner, e.cfg.User, e.logger)
}

func (e *env) openJournal(ctx context.Context) (*sql.DB, error) {
	return db.Open(ctx, filepath.Join(e.cfg.StateDir, db.JournalFile))
}

// journaled records run as a build job of the given kind. run returns the
// branch it produced, if any.
func (e *env) journaled(ctx context.Context, kind, image string, run func(context.Context) (string, error)) error {
	conn, err := e.openJournal(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	job, err := models.InsertBuildJob(ctx, conn, kind, image)
	if err != nil {
		return err
	}
	logger := e.logger.With("job", job.ID)

	branch, runErr := run(ctx)

	// The run context may be cancelled; the journal row is still closed.
	finishCtx := context.WithoutCancel(ctx)
	if runErr != nil {
		if err := models.FailBuildJob(finishCtx, conn, job.ID, runErr); err != nil {
			logger.WarnContext(ctx, "failed to record build failure", "error", err)
		}
		return runErr
	}
	if err := models.CompleteBuildJob(finishCtx, conn, job.ID, branch); err != nil {
		logger.WarnContext(ctx, "failed to record build result", "error", err)
	}
	return nil
}
