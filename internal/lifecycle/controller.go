package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hartou/ireti-pos-light-ce-sub001/internal/classify"
	"github.com/hartou/ireti-pos-light-ce-sub001/internal/config"
	"github.com/hartou/ireti-pos-light-ce-sub001/internal/fetch"
	"github.com/hartou/ireti-pos-light-ce-sub001/internal/models"
	"github.com/hartou/ireti-pos-light-ce-sub001/internal/partition"
	"github.com/hartou/ireti-pos-light-ce-sub001/internal/pkg/metrics"
	"github.com/hartou/ireti-pos-light-ce-sub001/internal/strategy"
)

// metaInstalledVersion remembers the last version whose install pre-warm
// completed, so a restart does not refetch the whole manifest.
const metaInstalledVersion = "installed_version"

// Controller is one engine version: its partition set, its classifier and
// strategy engine, and its position in the lifecycle state machine. The
// runtime decides which controller serves; the controller itself only moves
// through its states and answers requests.
type Controller struct {
	version  string
	manifest []string

	store      *partition.Store
	fetcher    *fetch.Fetcher
	classifier *classify.Classifier
	engine     *strategy.Engine
	log        *slog.Logger

	mu    sync.RWMutex
	state models.EngineState
}

// NewController builds the controller for cfg.Version. It starts in the
// installing state; call Install before routing requests through it.
func NewController(cfg *config.Config, store *partition.Store, log *slog.Logger) (*Controller, error) {
	if log == nil {
		log = slog.Default()
	}
	fetcher, err := fetch.New(cfg.OriginURL)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: %w", err)
	}
	classifier, err := classify.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: build classifier: %w", err)
	}
	engine := strategy.New(strategy.Options{
		Store:           store,
		Fetcher:         fetcher,
		Version:         cfg.Version,
		APITTL:          cfg.APITTL(),
		OfflinePath:     cfg.OfflinePath,
		RevalidateRate:  cfg.RevalidateRatePerSec,
		RevalidateBurst: cfg.RevalidateBurst,
		Logger:          log,
	})
	return &Controller{
		version:    cfg.Version,
		manifest:   append([]string(nil), cfg.PrecacheManifest...),
		store:      store,
		fetcher:    fetcher,
		classifier: classifier,
		engine:     engine,
		log:        log.With("version", cfg.Version),
		state:      models.StateInstalling,
	}, nil
}

func (c *Controller) Version() string { return c.version }

// State returns the controller's current lifecycle state.
func (c *Controller) State() models.EngineState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Classify resolves the request's class with this version's allow-lists.
func (c *Controller) Classify(r *http.Request) classify.Class {
	return c.classifier.Classify(r)
}

// Serve answers the request through this version's strategy engine.
func (c *Controller) Serve(ctx context.Context, class classify.Class, r *http.Request) *strategy.Result {
	return c.engine.Serve(ctx, class, r)
}

// transition moves the controller to the target state after validation.
func (c *Controller) transition(to models.EngineState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !CanTransition(c.state, to) {
		return fmt.Errorf("lifecycle: invalid transition %s → %s for %s", c.state, to, c.version)
	}
	c.log.Info("lifecycle: state change", "from", c.state, "to", to)
	c.state = to
	return nil
}

// Install pre-warms this version's partitions from the install manifest.
// Every manifest URL is fetched before anything is written, so a failed
// install leaves no partial pre-warm behind and the instance never reaches
// waiting. A version already recorded as installed skips the fetch.
func (c *Controller) Install(ctx context.Context) error {
	start := time.Now()

	if installed, err := c.store.GetMeta(metaInstalledVersion); err == nil && installed == c.version {
		c.log.Info("lifecycle: version already installed, skipping pre-warm")
		if err := c.store.Ensure(partition.Set(c.version)...); err != nil {
			return c.failInstall(err)
		}
		return c.transition(models.StateWaiting)
	}

	responses := make([]*models.CachedResponse, len(c.manifest))
	group, groupCtx := errgroup.WithContext(ctx)
	for idx := range c.manifest {
		idx := idx
		group.Go(func() error {
			uri := c.manifest[idx]
			resp, err := c.fetcher.Get(groupCtx, uri)
			if err != nil {
				return fmt.Errorf("pre-warm %s: %w", uri, err)
			}
			if !resp.OK() {
				return fmt.Errorf("pre-warm %s: origin returned %d", uri, resp.Status)
			}
			responses[idx] = resp
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return c.failInstall(err)
	}

	if err := c.store.Ensure(partition.Set(c.version)...); err != nil {
		return c.failInstall(err)
	}
	for idx, uri := range c.manifest {
		part := c.partitionFor(uri)
		if err := c.store.Put(part, uri, responses[idx]); err != nil {
			return c.failInstall(fmt.Errorf("store %s in %s: %w", uri, part, err))
		}
	}
	if err := c.store.PutMeta(metaInstalledVersion, c.version); err != nil {
		c.log.Warn("lifecycle: could not record installed version", "error", err)
	}

	metrics.InstallDurationSeconds.Observe(time.Since(start).Seconds())
	c.log.Info("lifecycle: install complete", "assets", len(c.manifest), "duration", time.Since(start))
	return c.transition(models.StateWaiting)
}

func (c *Controller) failInstall(err error) error {
	if terr := c.transition(models.StateFailed); terr != nil {
		c.log.Error("lifecycle: could not mark install failed", "error", terr)
	}
	return fmt.Errorf("lifecycle: install %s: %w", c.version, err)
}

// partitionFor sorts a manifest entry: assets go to the static partition,
// documents make up the app shell.
func (c *Controller) partitionFor(uri string) string {
	req, err := http.NewRequest(http.MethodGet, uri, nil)
	if err == nil && c.classifier.Classify(req) == classify.Static {
		return partition.Qualify(partition.Static, c.version)
	}
	return partition.Qualify(partition.AppShell, c.version)
}

// Activate garbage-collects partitions that are not in this version's
// partition set, then begins serving. Collection only ever runs here,
// before the version takes any traffic, which is what makes destroying
// whole partitions safe without locks.
func (c *Controller) Activate(ctx context.Context) error {
	if err := c.transition(models.StateActivating); err != nil {
		return err
	}

	keep := make(map[string]bool, 3)
	for _, name := range partition.Set(c.version) {
		keep[name] = true
	}
	names, err := c.store.List()
	if err != nil {
		// The stale partitions stay until the next activation; serving
		// matters more than reclaiming space.
		c.log.Warn("lifecycle: partition enumeration failed, skipping collection", "error", err)
	}
	for _, name := range names {
		if keep[name] {
			continue
		}
		if err := c.store.Destroy(name); err != nil {
			c.log.Warn("lifecycle: could not destroy partition", "partition", name, "error", err)
			continue
		}
		metrics.PartitionsDestroyedTotal.Inc()
		c.log.Info("lifecycle: destroyed stale partition", "partition", name)
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("lifecycle: activate %s: %w", c.version, err)
	}
	return c.transition(models.StateActive)
}

// Supersede marks this controller replaced by a newer active version.
// Requests it already started are unaffected; the runtime just stops
// routing new ones here.
func (c *Controller) Supersede() {
	if err := c.transition(models.StateSuperseded); err != nil {
		c.log.Error("lifecycle: could not mark superseded", "error", err)
	}
}
