package installer

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/MosakujiHokuto/flatpak-oci-tools/pkg/cache"
	"github.com/MosakujiHokuto/flatpak-oci-tools/pkg/oci"
)

// DefaultJobs bounds concurrent layer downloads.
const DefaultJobs = 4

// Puller makes every layer of an image available in the layer cache.
type Puller struct {
	cache  *cache.LayerCache
	jobs   int
	logger *slog.Logger
}

func NewPuller(c *cache.LayerCache, jobs int, logger *slog.Logger) *Puller {
	if jobs <= 0 {
		jobs = DefaultJobs
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Puller{cache: c, jobs: jobs, logger: logger}
}

// Pull fetches missing layers concurrently. The result keeps manifest order.
func (p *Puller) Pull(ctx context.Context, img *oci.Image) ([]cache.CachedLayer, error) {
	layers := make([]cache.CachedLayer, len(img.Layers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.jobs)
	for i, layer := range img.Layers {
		g.Go(func() error {
			cached, err := p.cache.Fetch(gctx, layer.Digest(), layer.Compressed)
			if err != nil {
				return fmt.Errorf("pull layer %s: %w", layer.Digest(), err)
			}
			layers[i] = *cached
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "layers available", "image", img.Digest, "layers", len(layers))
	return layers, nil
}
