package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hartou/ireti-pos-light-ce-sub001/internal/config"
	"github.com/hartou/ireti-pos-light-ce-sub001/internal/partition"
	"github.com/hartou/ireti-pos-light-ce-sub001/internal/pkg/metrics"
)

// Notifier announces lifecycle events to connected pages. The update
// coordinator implements it; a nil notifier drops the announcements.
type Notifier interface {
	UpdateAvailable(version string)
	Updated(version string)
}

// Runtime supervises controllers: at most one active and at most one
// waiting. It decides when a staged version takes over: immediately when
// nothing is active or no page is attached to the active version, on an
// explicit skip-waiting command, or naturally when the active version's
// last page detaches.
type Runtime struct {
	store *partition.Store
	log   *slog.Logger

	// stageMu serializes staging and promotion end to end.
	stageMu sync.Mutex

	active atomic.Pointer[Controller]

	// mu guards waiting and pages; held only for short sections so page
	// attach/detach never waits on an install.
	mu      sync.Mutex
	waiting *Controller
	pages   map[string]int // attached pages per controlling version

	notifier Notifier
}

// NewRuntime builds a runtime over the shared partition store.
func NewRuntime(store *partition.Store, log *slog.Logger) *Runtime {
	if log == nil {
		log = slog.Default()
	}
	return &Runtime{
		store: store,
		log:   log,
		pages: make(map[string]int),
	}
}

// SetNotifier wires in the update coordinator. Call it before Stage.
func (rt *Runtime) SetNotifier(n Notifier) { rt.notifier = n }

// Active returns the serving controller, nil before the first activation.
func (rt *Runtime) Active() *Controller { return rt.active.Load() }

// ActiveVersion returns the serving version, empty before first activation.
func (rt *Runtime) ActiveVersion() string {
	if c := rt.active.Load(); c != nil {
		return c.Version()
	}
	return ""
}

// WaitingVersion returns the staged version not yet serving, or empty.
func (rt *Runtime) WaitingVersion() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.waiting != nil {
		return rt.waiting.Version()
	}
	return ""
}

// Stage installs the version cfg describes and either promotes it or
// parks it as the waiting version. Calling it again with a version that is
// already active or already waiting is a no-op, so the config watcher can
// fire as often as it likes.
func (rt *Runtime) Stage(ctx context.Context, cfg *config.Config) error {
	rt.stageMu.Lock()
	defer rt.stageMu.Unlock()

	if a := rt.active.Load(); a != nil && a.Version() == cfg.Version {
		rt.log.Info("lifecycle: version already active, nothing to stage", "version", cfg.Version)
		return nil
	}
	rt.mu.Lock()
	alreadyWaiting := rt.waiting != nil && rt.waiting.Version() == cfg.Version
	rt.mu.Unlock()
	if alreadyWaiting {
		rt.log.Info("lifecycle: version already waiting", "version", cfg.Version)
		return nil
	}

	ctrl, err := NewController(cfg, rt.store, rt.log)
	if err != nil {
		return err
	}
	if err := ctrl.Install(ctx); err != nil {
		// The previously active version keeps serving untouched.
		return err
	}

	rt.mu.Lock()
	if prev := rt.waiting; prev != nil {
		rt.log.Info("lifecycle: staged version displaces waiting one",
			"displaced", prev.Version(), "version", ctrl.Version())
		prev.Supersede()
	}
	activePages := rt.pages[rt.ActiveVersion()]
	noActive := rt.active.Load() == nil
	if noActive || activePages == 0 {
		rt.waiting = nil
		rt.mu.Unlock()
		return rt.promote(ctx, ctrl)
	}
	rt.waiting = ctrl
	rt.mu.Unlock()

	metrics.UpdateWaiting.Set(1)
	rt.log.Info("lifecycle: update waiting for activation",
		"version", ctrl.Version(), "active", rt.ActiveVersion(), "pages", activePages)
	if rt.notifier != nil {
		rt.notifier.UpdateAvailable(ctrl.Version())
	}
	return nil
}

// promote activates ctrl and makes it the serving controller. Caller holds
// stageMu.
func (rt *Runtime) promote(ctx context.Context, ctrl *Controller) error {
	if err := ctrl.Activate(ctx); err != nil {
		return err
	}
	old := rt.active.Swap(ctrl)
	if old != nil {
		old.Supersede()
	}
	metrics.UpdateWaiting.Set(0)
	rt.log.Info("lifecycle: version active", "version", ctrl.Version())
	if rt.notifier != nil {
		rt.notifier.Updated(ctrl.Version())
	}
	return nil
}

// SkipWaiting activates the waiting version immediately, without waiting
// for the active version's pages to detach. No-op when nothing waits.
func (rt *Runtime) SkipWaiting() {
	rt.activateWaiting("skip-waiting")
}

func (rt *Runtime) activateWaiting(reason string) {
	rt.stageMu.Lock()
	defer rt.stageMu.Unlock()

	rt.mu.Lock()
	ctrl := rt.waiting
	rt.waiting = nil
	rt.mu.Unlock()
	if ctrl == nil {
		return
	}
	rt.log.Info("lifecycle: activating waiting version", "version", ctrl.Version(), "reason", reason)
	if err := rt.promote(context.Background(), ctrl); err != nil {
		rt.log.Error("lifecycle: activation failed", "version", ctrl.Version(), "error", err)
	}
}

// PageAttached registers a page under the currently active version and
// returns the version controlling it.
func (rt *Runtime) PageAttached() string {
	v := rt.ActiveVersion()
	rt.mu.Lock()
	rt.pages[v]++
	rt.mu.Unlock()
	return v
}

// PageDetached drops a page attached under the given version. When the
// active version's last page goes away and a newer version is waiting,
// the staged version takes over.
func (rt *Runtime) PageDetached(version string) {
	rt.mu.Lock()
	if rt.pages[version] > 0 {
		rt.pages[version]--
	}
	if rt.pages[version] == 0 {
		delete(rt.pages, version)
	}
	natural := rt.waiting != nil && rt.pages[rt.ActiveVersion()] == 0
	rt.mu.Unlock()

	if natural {
		// Off the caller's goroutine: the coordinator invokes this from
		// its connection teardown path.
		go rt.activateWaiting("last page released")
	}
}
