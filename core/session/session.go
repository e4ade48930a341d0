package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	coreerrors "github.com/davidahmann/rotator/core/errors"
	"github.com/davidahmann/rotator/core/fence"
	"github.com/davidahmann/rotator/core/format"
	"github.com/davidahmann/rotator/core/hw"
	"github.com/davidahmann/rotator/core/jcs"
)

var (
	ErrInvalidSession       = errors.New("invalid session")
	ErrSessionNotConfigured = errors.New("session not configured")
	ErrNoFreeSessions       = errors.New("no free sessions")
)

const maxCapacity = 1 << 16

// Handle names a live session. It packs the slot index with a per-slot
// generation so a stale handle never reaches a reused slot. Zero is never
// issued.
type Handle uint32

func (h Handle) index() int {
	return int(h & 0xffff)
}

func (h Handle) generation() uint16 {
	return uint16(h >> 16)
}

func (h Handle) String() string {
	return fmt.Sprintf("s%d.%d", h.index(), h.generation())
}

func makeHandle(index int, generation uint16) Handle {
	return Handle(uint32(generation)<<16 | uint32(index))
}

type Config struct {
	Geometry format.Geometry
	// Secure requires secure buffers for every job of the session.
	Secure bool
	// NoTimeline creates the session without release fences.
	NoTimeline bool
}

// shared is the per-allocation state that survives re-configuration.
type shared struct {
	sync     atomic.Pointer[fence.SyncState]
	finished atomic.Bool
	sequence atomic.Uint64
}

// Session is an immutable view of one configuration of a session. A
// re-configuration publishes a new Session for the same handle.
type Session struct {
	Handle      Handle
	Config      Config
	Derived     format.Derived
	Digest      string
	Scratch     hw.MemoryHandle
	ScratchSize int

	configured bool
	shared     *shared
}

func (s *Session) Configured() bool {
	return s.configured
}

func (s *Session) Sync() *fence.SyncState {
	return s.shared.sync.Load()
}

// Finished reports whether FinishSession has run for this handle.
func (s *Session) Finished() bool {
	return s.shared.finished.Load()
}

// NextSequence numbers the jobs of a session from 1.
func (s *Session) NextSequence() uint64 {
	return s.shared.sequence.Add(1)
}

type Options struct {
	Capacity int
	Limits   format.Limits
	Scratch  hw.ScratchAllocator
	Logger   *slog.Logger
}

type slot struct {
	generation uint16
	session    *Session
}

type Table struct {
	limits  format.Limits
	scratch hw.ScratchAllocator
	logger  *slog.Logger

	mu    sync.Mutex
	slots []slot
}

func NewTable(options Options) (*Table, error) {
	if options.Capacity <= 0 || options.Capacity > maxCapacity {
		return nil, fmt.Errorf("session capacity %d outside 1..%d", options.Capacity, maxCapacity)
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		limits:  options.Limits,
		scratch: options.Scratch,
		logger:  logger,
		slots:   make([]slot, options.Capacity),
	}, nil
}

func invalidSession(handle Handle) error {
	return coreerrors.Invalid(
		fmt.Errorf("%w: %s", ErrInvalidSession, handle),
		coreerrors.CodeInvalidSession,
		"start a session and use the handle it returns",
	)
}

func classifyGeometry(err error) error {
	if errors.Is(err, format.ErrUnsupportedFormat) {
		return coreerrors.Invalid(err, coreerrors.CodeUnsupportedFormat, "use one of the supported pixel formats")
	}
	return coreerrors.Invalid(err, coreerrors.CodeInvalidGeometry, "fix the session geometry before retrying")
}

func (t *Table) lookupLocked(handle Handle) (int, *Session, error) {
	index := handle.index()
	if handle == 0 || index >= len(t.slots) {
		return 0, nil, invalidSession(handle)
	}
	current := t.slots[index]
	if current.session == nil || current.generation != handle.generation() {
		return 0, nil, invalidSession(handle)
	}
	return index, current.session, nil
}

// Lookup returns the live session for handle.
func (t *Table) Lookup(handle Handle) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, session, err := t.lookupLocked(handle)
	return session, err
}

// Start configures a session. A zero handle allocates a new slot; any other
// handle re-configures that live session. Either way the session's acquire
// fence is dropped and its outstanding release fences are signaled. A failed
// re-configuration leaves the session allocated but unconfigured.
func (t *Table) Start(handle Handle, config Config) (*Session, error) {
	derived, evalErr := format.Evaluate(config.Geometry, t.limits)

	t.mu.Lock()
	defer t.mu.Unlock()

	index := -1
	var previous *Session
	if handle != 0 {
		found, session, err := t.lookupLocked(handle)
		if err != nil {
			return nil, err
		}
		index, previous = found, session
	}
	if evalErr != nil {
		if previous != nil {
			unconfigured := *previous
			unconfigured.configured = false
			t.slots[index].session = &unconfigured
		}
		return nil, classifyGeometry(evalErr)
	}
	digest, err := configDigest(config)
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CategoryInternalFailure, "session_digest_failed", "", false)
	}

	if previous == nil {
		for candidate := range t.slots {
			if t.slots[candidate].session == nil {
				index = candidate
				break
			}
		}
		if index < 0 {
			return nil, coreerrors.Contention(
				fmt.Errorf("%w: all %d sessions are live", ErrNoFreeSessions, len(t.slots)),
				coreerrors.CodeNoFreeSessions,
				"finish an idle session before starting another",
				false,
			)
		}
	}

	next := &Session{
		Config:     config,
		Derived:    derived,
		Digest:     digest,
		configured: true,
	}
	if err := t.assignScratch(next, previous); err != nil {
		return nil, err
	}

	if previous == nil {
		generation := t.slots[index].generation + 1
		if generation == 0 {
			generation = 1
		}
		next.Handle = makeHandle(index, generation)
		next.shared = &shared{}
		next.shared.sync.Store(fence.NewSyncState(next.Handle.String(), !config.NoTimeline, t.logger))
		t.slots[index] = slot{generation: generation, session: next}
		t.logger.Debug("session started", "session", next.Handle.String(), "digest", digest, "two_pass", derived.TwoPass)
		return next, nil
	}

	next.Handle = previous.Handle
	next.shared = previous.shared
	if signaled := next.Sync().Reset(); signaled > 0 {
		t.logger.Info("session reconfigured with outstanding fences", "session", next.Handle.String(), "signaled", signaled)
	}
	if config.NoTimeline != previous.Config.NoTimeline {
		next.shared.sync.Store(fence.NewSyncState(next.Handle.String(), !config.NoTimeline, t.logger))
	}
	t.slots[index].session = next
	t.logger.Debug("session reconfigured", "session", next.Handle.String(), "digest", digest, "two_pass", derived.TwoPass)
	return next, nil
}

// assignScratch gives a two-pass session its intermediate buffer, reusing the
// previous configuration's buffer when the size is unchanged.
func (t *Table) assignScratch(next *Session, previous *Session) error {
	size := 0
	if next.Derived.TwoPass {
		layout, err := format.LayoutOf(next.Derived.IntermediateFormat, next.Derived.Scaled.X, next.Derived.Scaled.Y)
		if err != nil {
			return classifyGeometry(err)
		}
		size = layout.Size
	}
	if previous != nil && previous.Scratch != 0 && size == previous.ScratchSize && next.Config.Secure == previous.Config.Secure {
		next.Scratch, next.ScratchSize = previous.Scratch, previous.ScratchSize
		return nil
	}
	if size > 0 {
		if t.scratch == nil {
			return coreerrors.Wrap(errors.New("no scratch allocator configured"), coreerrors.CategoryInternalFailure, "scratch_unavailable", "", false)
		}
		handle, err := t.scratch.AllocScratch(size, next.Config.Secure)
		if err != nil {
			return coreerrors.Wrap(
				fmt.Errorf("allocate %d byte scratch buffer: %w", size, err),
				coreerrors.CategoryInternalFailure,
				"scratch_alloc_failed",
				"free memory or use a geometry that avoids the two-pass path",
				true,
			)
		}
		next.Scratch, next.ScratchSize = handle, size
	}
	if previous != nil {
		t.freeScratch(previous)
	}
	return nil
}

func (t *Table) freeScratch(session *Session) {
	if session.Scratch == 0 || t.scratch == nil {
		return
	}
	if err := t.scratch.FreeScratch(session.Scratch); err != nil {
		t.logger.Warn("free scratch buffer", "session", session.Handle.String(), "error", err)
	}
}

// Finish destroys a session: its release timeline is signaled up to the
// outstanding count, the acquire fence is dropped, the scratch buffer is
// freed and queued jobs of the session are skipped from then on.
func (t *Table) Finish(handle Handle) error {
	t.mu.Lock()
	index, session, err := t.lookupLocked(handle)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.slots[index].session = nil
	t.freeScratch(session)
	t.mu.Unlock()

	session.shared.finished.Store(true)
	signaled := session.Sync().Reset()
	t.logger.Debug("session finished", "session", handle.String(), "signaled", signaled)
	return nil
}

// Live returns the live sessions ordered by slot.
func (t *Table) Live() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	live := make([]*Session, 0, len(t.slots))
	for _, current := range t.slots {
		if current.session != nil {
			live = append(live, current.session)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].Handle.index() < live[j].Handle.index() })
	return live
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	count := 0
	for _, current := range t.slots {
		if current.session != nil {
			count++
		}
	}
	return count
}

func (t *Table) Capacity() int {
	return len(t.slots)
}

// SignalAllTimelines satisfies every outstanding release fence of every live
// session and returns how many fences it signaled.
func (t *Table) SignalAllTimelines() uint64 {
	var signaled uint64
	for _, session := range t.Live() {
		timeline, err := session.Sync().Timeline()
		if err != nil {
			continue
		}
		signaled += timeline.SignalAll()
	}
	return signaled
}

type rectDocument struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type configDocument struct {
	SrcWidth   int          `json:"src_width"`
	SrcHeight  int          `json:"src_height"`
	SrcFormat  string       `json:"src_format"`
	SrcRect    rectDocument `json:"src_rect"`
	DstWidth   int          `json:"dst_width"`
	DstHeight  int          `json:"dst_height"`
	DstX       int          `json:"dst_x"`
	DstY       int          `json:"dst_y"`
	Rotation   string       `json:"rotation"`
	Downscale  int          `json:"downscale"`
	Secure     bool         `json:"secure"`
	NoTimeline bool         `json:"no_timeline"`
}

// configDigest is the canonical JSON digest of a session configuration.
func configDigest(config Config) (string, error) {
	g := config.Geometry
	digest, err := jcs.DigestValue(configDocument{
		SrcWidth:  g.SrcWidth,
		SrcHeight: g.SrcHeight,
		SrcFormat: g.SrcFormat.String(),
		SrcRect: rectDocument{
			X:      g.SrcRect.Min.X,
			Y:      g.SrcRect.Min.Y,
			Width:  g.SrcRect.Dx(),
			Height: g.SrcRect.Dy(),
		},
		DstWidth:   g.DstWidth,
		DstHeight:  g.DstHeight,
		DstX:       g.DstX,
		DstY:       g.DstY,
		Rotation:   g.Rotation.String(),
		Downscale:  g.Downscale,
		Secure:     config.Secure,
		NoTimeline: config.NoTimeline,
	})
	if err != nil {
		return "", fmt.Errorf("digest session config: %w", err)
	}
	return digest, nil
}
