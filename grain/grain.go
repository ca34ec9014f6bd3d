// Package grain implements the coordination actors of a tale: one Tale
// actor per story, one Publish actor per version, and Chapter and Page
// actors below them. Each actor owns a status and a pair of fan-in result
// sets, fans work out one level down and reports settled results one level
// up. The runtime serializes calls per actor identity, so fan-in needs no
// locking beyond the actor's own mutex.
package grain

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/talepreter/talepreter"
	"github.com/talepreter/talepreter/bus"
	"github.com/talepreter/talepreter/runner"
	"github.com/talepreter/talepreter/store"
)

// DefaultCallTimeout bounds every inbound actor call that performs I/O.
const DefaultCallTimeout = 15 * time.Second

// Container is the per-service coordination point the Publish actor fans
// out to during version lifecycle work. One container exists per entity
// service, its name keys the page-level fan-in.
type Container interface {
	Name() string
	InitializeVersion(ctx context.Context, taleID, versionID uuid.UUID) error
	BackupTo(ctx context.Context, taleID, versionID, newVersionID uuid.UUID) error
	Purge(ctx context.Context, taleID, versionID uuid.UUID) error
}

type publishKey struct {
	taleID    uuid.UUID
	versionID uuid.UUID
}

type chapterKey struct {
	taleID    uuid.UUID
	versionID uuid.UUID
	chapter   int
}

type pageKey struct {
	taleID    uuid.UUID
	versionID uuid.UUID
	chapter   int
	page      int
}

// Runtime is the actor directory. Actors are created lazily on first
// reference and live until their version is purged.
type Runtime struct {
	logger      talepreter.Logger
	publisher   bus.Publisher
	documents   store.DocumentStore
	containers  []Container
	callTimeout time.Duration

	mu        sync.Mutex
	tales     map[uuid.UUID]*Tale
	publishes map[publishKey]*Publish
	chapters  map[chapterKey]*Chapter
	pages     map[pageKey]*Page
}

// Option defines the functional option signature.
type Option func(*Runtime)

// WithLogger sets the runtime logger.
func WithLogger(logger talepreter.Logger) Option {
	return func(r *Runtime) {
		r.logger = talepreter.NormalizeLogger(logger)
	}
}

// WithCallTimeout overrides the per-call timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.callTimeout = d
		}
	}
}

// New builds a runtime over the given collaborators. Containers key the
// page-level fan-in, so the set must match the worker services consuming
// page requests.
func New(publisher bus.Publisher, documents store.DocumentStore, containers []Container, opts ...Option) *Runtime {
	r := &Runtime{
		logger:      talepreter.NewFmtLogger(nil),
		publisher:   publisher,
		documents:   documents,
		containers:  containers,
		callTimeout: DefaultCallTimeout,
		tales:       make(map[uuid.UUID]*Tale),
		publishes:   make(map[publishKey]*Publish),
		chapters:    make(map[chapterKey]*Chapter),
		pages:       make(map[pageKey]*Page),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Tale resolves the root actor of a story, creating it on first reference.
func (r *Runtime) Tale(taleID uuid.UUID) *Tale {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tales[taleID]
	if !ok {
		t = newTale(r, taleID)
		r.tales[taleID] = t
	}
	return t
}

// Publish resolves the actor of one version of a tale.
func (r *Runtime) Publish(taleID, versionID uuid.UUID) *Publish {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := publishKey{taleID: taleID, versionID: versionID}
	p, ok := r.publishes[key]
	if !ok {
		p = newPublish(r, taleID, versionID)
		r.publishes[key] = p
	}
	return p
}

// Chapter resolves one chapter actor of a version.
func (r *Runtime) Chapter(taleID, versionID uuid.UUID, chapter int) *Chapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := chapterKey{taleID: taleID, versionID: versionID, chapter: chapter}
	c, ok := r.chapters[key]
	if !ok {
		c = newChapter(r, taleID, versionID, chapter)
		r.chapters[key] = c
	}
	return c
}

// Page resolves one page actor of a version.
func (r *Runtime) Page(ref talepreter.PageRef) *Page {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := pageKey{taleID: ref.TaleID, versionID: ref.TaleVersionID, chapter: ref.Chapter, page: ref.Page}
	p, ok := r.pages[key]
	if !ok {
		p = newPage(r, ref)
		r.pages[key] = p
	}
	return p
}

// services lists the container names pages fan out to.
func (r *Runtime) services() []string {
	names := make([]string, len(r.containers))
	for i, c := range r.containers {
		names[i] = c.Name()
	}
	return names
}

// dropVersion evicts every actor of a purged version from the directory.
func (r *Runtime) dropVersion(taleID, versionID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.publishes, publishKey{taleID: taleID, versionID: versionID})
	for key := range r.chapters {
		if key.taleID == taleID && key.versionID == versionID {
			delete(r.chapters, key)
		}
	}
	for key := range r.pages {
		if key.taleID == taleID && key.versionID == versionID {
			delete(r.pages, key)
		}
	}
}

// opCtx bounds one inbound actor call.
func (r *Runtime) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.callTimeout)
}

// fanOut runs collaborator calls in parallel and joins their failures. Used
// for the initialize, purge, backup and stop cascades, which must reach
// every target even when one fails.
func (r *Runtime) fanOut(ctx context.Context, tasks []runner.Task[struct{}]) error {
	if len(tasks) == 0 {
		return nil
	}
	pool := runner.NewPool(
		runner.WithParallel[struct{}](len(tasks)),
		runner.WithLogger[struct{}](r.logger),
	)
	pool.AppendTasks(tasks...)
	if _, err := pool.Start(ctx); err != nil {
		return err
	}
	return stderrors.Join(pool.Errors()...)
}
