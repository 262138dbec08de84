// Package timeline implements the treatment-slot timeline controller: the
// per-case session state that thin display clients drive over HTTP. It owns
// the slot list fetched from the clinical backend, two view-mode expansion
// sets, and the lazily populated per-slot video and comment caches.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/orthotrack/treatment-timeline/internal/backend"
	"github.com/orthotrack/treatment-timeline/internal/eventlog"
	redisclient "github.com/orthotrack/treatment-timeline/internal/redis"
	"github.com/orthotrack/treatment-timeline/internal/video"
)

type ViewMode string

const (
	ModeVertical   ViewMode = "vertical"
	ModeHorizontal ViewMode = "horizontal"
)

// horizontalOpenCap bounds simultaneously expanded slots in the carousel
// layout. Expanding beyond it evicts the slot that was expanded first.
const horizontalOpenCap = 2

var (
	ErrUnknownSlot   = errors.New("slot does not belong to this case")
	ErrInvalidMode   = errors.New("view mode must be vertical or horizontal")
	ErrSessionClosed = errors.New("timeline session is closed")
	ErrUnknownUpload = errors.New("no upload with that video id in this session")
)

// Backend is the subset of the clinical backend API the controller needs.
// *backend.Client satisfies it; tests substitute fakes.
type Backend interface {
	ListSlots(ctx context.Context, session string, caseID int) ([]backend.TreatmentSlot, error)
	ListComments(ctx context.Context, session string, caseID, treatmentID int) ([]backend.Comment, error)
	ResolveVideo(ctx context.Context, session, videoID string) (*backend.VideoObject, error)
	VerifySlot(ctx context.Context, session string, slotID int, qrCode string) error
	Finalize(ctx context.Context, session string, slotID int, finalized bool) error
	UpdateStatus(ctx context.Context, session string, slotID int, status backend.SlotStatus) error
	UploadVideo(ctx context.Context, session string, slotID int, videoType, filename string, file io.Reader) (*backend.UploadResult, error)
	VideoStatus(ctx context.Context, session, videoID string) (*backend.EncodeStatus, error)
}

// VideoData is the per-slot cache of resolved video metadata.
type VideoData struct {
	WithAligners    *video.Meta
	WithoutAligners *video.Meta
	Finalized       bool
}

// SelectedVideo is the single highlighted playable video, if any.
type SelectedVideo struct {
	SlotID int    `json:"slot_id"`
	URL    string `json:"url"`
}

// UploadState tracks one in-flight or finished video upload.
type UploadState struct {
	VideoID   string  `json:"video_id"`
	SlotID    int     `json:"slot_id"`
	VideoType string  `json:"video_type"`
	Status    string  `json:"status"` // encoding, ready, failed, timed_out
	Progress  float64 `json:"progress"`
	Attempts  int     `json:"attempts"`
	Error     string  `json:"error,omitempty"`
}

// Deps carries everything a controller needs beyond its identity.
type Deps struct {
	API    Backend
	Videos *video.MetadataCache
	Locker redisclient.Locker
	Events eventlog.Recorder
	Log    zerolog.Logger

	PollInitial     time.Duration
	PollMax         time.Duration
	PollMaxAttempts int
}

// Controller owns one case's timeline session. A mutex serializes state
// mutation; network calls never run under the lock. Asynchronous completions
// re-check the generation counter so a response that arrives after Close is
// discarded instead of written into torn-down state.
type Controller struct {
	id      uuid.UUID
	caseID  int
	session string
	deps    Deps
	log     zerolog.Logger

	// ctx bounds all fire-and-forget work; Close cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	gen          uint64
	closed       bool
	slots        []backend.TreatmentSlot
	open         map[ViewMode][]int
	videos       map[int]*VideoData
	messages     map[int][]backend.Comment
	msgLoading   map[int]bool
	selected     *SelectedVideo
	mode         ViewMode
	videosLoaded bool
	uploads      map[string]*UploadState
	lastTouched  time.Time

	// pending tracks fire-and-forget goroutines so tests and shutdown can
	// rendezvous with them.
	pending sync.WaitGroup
}

// New builds an empty controller. Start must be called before any other
// operation.
func New(caseID int, session string, deps Deps) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New()
	return &Controller{
		id:          id,
		caseID:      caseID,
		session:     session,
		deps:        deps,
		log:         deps.Log.With().Str("session_id", id.String()).Int("case_id", caseID).Logger(),
		ctx:         ctx,
		cancel:      cancel,
		open:        map[ViewMode][]int{ModeVertical: {}, ModeHorizontal: {}},
		videos:      make(map[int]*VideoData),
		messages:    make(map[int][]backend.Comment),
		msgLoading:  make(map[int]bool),
		uploads:     make(map[string]*UploadState),
		mode:        ModeVertical,
		lastTouched: time.Now(),
	}
}

func (c *Controller) ID() uuid.UUID { return c.id }
func (c *Controller) CaseID() int   { return c.caseID }

// Start fetches the case's slot list and eagerly resolves video metadata for
// every already-active slot.
func (c *Controller) Start(ctx context.Context) error {
	slots, err := c.deps.API.ListSlots(ctx, c.session, c.caseID)
	if err != nil {
		return fmt.Errorf("start timeline session: %w", err)
	}

	c.mu.Lock()
	c.slots = slots
	c.touchLocked()
	c.mu.Unlock()

	c.record(eventlog.EventSessionStarted, nil, map[string]any{"slots": len(slots)})

	return c.LoadVideos(ctx)
}

// Close tears the session down. In-flight asynchronous fetches are cancelled
// and any that already left the network layer are discarded by generation.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.gen++
	c.mu.Unlock()
	c.cancel()
}

// Flush waits for outstanding fire-and-forget work. Tests use it to make
// lazy loads deterministic.
func (c *Controller) Flush() {
	c.pending.Wait()
}

// Idle reports how long the session has gone without a user operation.
func (c *Controller) Idle(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastTouched)
}

func (c *Controller) touchLocked() {
	c.lastTouched = time.Now()
}

// ToggleSlot expands a collapsed slot or collapses an expanded one, in the
// current view mode.
//
// Expansion lazily kicks off the slot's comment fetch (non-blocking; a failed
// fetch leaves the cache absent so the next expand retries) and, when no
// video is selected yet, auto-selects the slot's with-aligners video if its
// metadata is already resolved. In horizontal mode at most two slots stay
// open: the oldest-expanded one is evicted first.
func (c *Controller) ToggleSlot(id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrSessionClosed
	}
	if c.findSlotLocked(id) == nil {
		return fmt.Errorf("%w: %d", ErrUnknownSlot, id)
	}
	c.touchLocked()

	open := c.open[c.mode]
	if idx := indexOf(open, id); idx >= 0 {
		c.open[c.mode] = append(open[:idx], open[idx+1:]...)
		if c.selected != nil && c.selected.SlotID == id {
			c.selected = nil
		}
		c.recordAsync(eventlog.EventSlotCollapsed, &id, nil)
		return nil
	}

	if c.mode == ModeHorizontal && len(open) >= horizontalOpenCap {
		evicted := open[0]
		c.open[c.mode] = append(open[:0:0], open[1:]...)
		if c.selected != nil && c.selected.SlotID == evicted {
			c.selected = nil
		}
	}
	c.open[c.mode] = append(c.open[c.mode], id)

	if _, ok := c.messages[id]; !ok && !c.msgLoading[id] {
		c.msgLoading[id] = true
		c.fetchMessagesAsync(id)
	}

	if c.selected == nil {
		if vd, ok := c.videos[id]; ok {
			if meta := preferredMeta(vd); meta != nil {
				c.selected = &SelectedVideo{SlotID: id, URL: meta.PlaybackURL}
			}
		}
	}

	c.recordAsync(eventlog.EventSlotExpanded, &id, nil)
	return nil
}

func preferredMeta(vd *VideoData) *video.Meta {
	if vd.WithAligners != nil {
		return vd.WithAligners
	}
	return vd.WithoutAligners
}

// fetchMessagesAsync loads a slot's comment thread without blocking the
// expand that triggered it. Caller holds the lock and has set msgLoading.
func (c *Controller) fetchMessagesAsync(id int) {
	gen := c.gen
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()

		comments, err := c.deps.API.ListComments(c.ctx, c.session, c.caseID, id)

		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.msgLoading, id)
		if c.gen != gen {
			return
		}
		if err != nil {
			// Leave the cache entry absent so re-expanding retries.
			c.log.Error().Err(err).Int("slot_id", id).Msg("comment fetch failed")
			return
		}
		c.messages[id] = comments
	}()
}

// LoadVideos resolves video metadata for every slot whose status is
// completed, in_progress or overdue and whose cache entry is absent. Pending
// slots are skipped: no capture exists before a slot activates. All lookups
// across the case run concurrently, both per-slot links included. The pass
// runs once per session; repeat calls are free.
func (c *Controller) LoadVideos(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	if c.videosLoaded {
		c.mu.Unlock()
		return nil
	}
	c.videosLoaded = true
	gen := c.gen

	type task struct {
		slotID      int
		finalized   bool
		withLink    *string
		withoutLink *string
	}
	var tasks []task
	for _, s := range c.slots {
		if s.Status == backend.SlotPending {
			continue
		}
		if _, ok := c.videos[s.ID]; ok {
			continue
		}
		tasks = append(tasks, task{s.ID, s.Finalized, s.VideoWithAlignersLink, s.VideoWithoutAlignersLink})
	}
	c.mu.Unlock()

	if len(tasks) == 0 {
		return nil
	}

	resolved := make([]*VideoData, len(tasks))
	var wg sync.WaitGroup
	for i, t := range tasks {
		i, t := i, t
		wg.Add(1)
		go func() {
			defer wg.Done()
			vd := &VideoData{Finalized: t.finalized}
			var inner sync.WaitGroup
			if t.withLink != nil {
				inner.Add(1)
				go func() {
					defer inner.Done()
					vd.WithAligners = c.resolveOne(ctx, t.slotID, *t.withLink)
				}()
			}
			if t.withoutLink != nil {
				inner.Add(1)
				go func() {
					defer inner.Done()
					vd.WithoutAligners = c.resolveOne(ctx, t.slotID, *t.withoutLink)
				}()
			}
			inner.Wait()
			resolved[i] = vd
		}()
	}
	wg.Wait()

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return nil
	}
	for i, t := range tasks {
		// Merge: never clobber an entry another path populated meanwhile.
		if _, ok := c.videos[t.slotID]; !ok {
			c.videos[t.slotID] = resolved[i]
		}
	}
	c.mu.Unlock()

	c.record(eventlog.EventVideosLoaded, nil, map[string]any{"slots": len(tasks)})
	return nil
}

// resolveOne turns an opaque video id into Meta, consulting the shared Redis
// cache before the backend. Failure returns nil: the slot renders with a
// skeleton for that video and nothing else is affected.
func (c *Controller) resolveOne(ctx context.Context, slotID int, videoID string) *video.Meta {
	if m, ok := c.deps.Videos.Get(ctx, videoID); ok {
		return m
	}

	obj, err := c.deps.API.ResolveVideo(ctx, c.session, videoID)
	if err != nil {
		c.log.Error().Err(err).Int("slot_id", slotID).Str("video_id", videoID).Msg("video resolve failed")
		return nil
	}
	m, err := video.Ingest(obj)
	if err != nil {
		c.log.Error().Err(err).Int("slot_id", slotID).Str("video_id", videoID).Msg("video ingest failed")
		return nil
	}
	c.deps.Videos.Set(ctx, m)
	return m
}

// CompleteTreatment asks the backend to move a slot to completed and patches
// the cached slot only after the backend confirms. The per-slot Redis lock
// keeps two gateway instances from racing the same transition.
func (c *Controller) CompleteTreatment(ctx context.Context, slotID int) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	if c.findSlotLocked(slotID) == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownSlot, slotID)
	}
	c.touchLocked()
	c.mu.Unlock()

	err := c.deps.Locker.WithSlotLock(ctx, slotID, func(lockCtx context.Context) error {
		return c.deps.API.UpdateStatus(lockCtx, c.session, slotID, backend.SlotCompleted)
	})
	if err != nil {
		return fmt.Errorf("complete slot %d: %w", slotID, err)
	}

	c.mu.Lock()
	if s := c.findSlotLocked(slotID); s != nil {
		s.Status = backend.SlotCompleted
	}
	c.mu.Unlock()

	c.record(eventlog.EventSlotCompleted, &slotID, nil)
	return nil
}

// VerifySlot submits the in-person QR check-in and patches the cached slot
// after the backend accepts it.
func (c *Controller) VerifySlot(ctx context.Context, slotID int, qrCode string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	if c.findSlotLocked(slotID) == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownSlot, slotID)
	}
	c.touchLocked()
	c.mu.Unlock()

	if err := c.deps.API.VerifySlot(ctx, c.session, slotID, qrCode); err != nil {
		return err
	}

	c.mu.Lock()
	if s := c.findSlotLocked(slotID); s != nil {
		s.Verified = true
	}
	c.mu.Unlock()

	c.record(eventlog.EventSlotVerified, &slotID, nil)
	return nil
}

// SetFinalized patches the local caches only. The upload widget has already
// performed the finalize against the backend itself; this keeps the session's
// view consistent without a second network call.
func (c *Controller) SetFinalized(slotID int, finalized bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrSessionClosed
	}
	s := c.findSlotLocked(slotID)
	if s == nil {
		return fmt.Errorf("%w: %d", ErrUnknownSlot, slotID)
	}
	c.touchLocked()

	s.Finalized = finalized
	if vd, ok := c.videos[slotID]; ok {
		vd.Finalized = finalized
	}
	return nil
}

// FinalizeSubmission proxies the finalize toggle to the backend and mirrors
// it into the local caches once the backend confirms. Display clients never
// talk to the backend directly, so this is the upload widget's finalize path.
func (c *Controller) FinalizeSubmission(ctx context.Context, slotID int, finalized bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	if c.findSlotLocked(slotID) == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownSlot, slotID)
	}
	c.touchLocked()
	c.mu.Unlock()

	if err := c.deps.API.Finalize(ctx, c.session, slotID, finalized); err != nil {
		return fmt.Errorf("finalize slot %d: %w", slotID, err)
	}
	return c.SetFinalized(slotID, finalized)
}

// SetViewMode switches between the stacked and carousel layouts. Each mode
// keeps its own expansion set, so switching never disturbs the other mode's
// open slots; the selection is cleared only if its slot is not open in the
// target mode.
func (c *Controller) SetViewMode(mode ViewMode) error {
	if mode != ModeVertical && mode != ModeHorizontal {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrSessionClosed
	}
	c.touchLocked()
	if mode == c.mode {
		return nil
	}
	c.mode = mode
	if c.selected != nil && indexOf(c.open[mode], c.selected.SlotID) < 0 {
		c.selected = nil
	}
	return nil
}

// Refresh refetches the slot list from the backend, replacing the cached
// copy. Side caches survive: slot identity is stable for the plan's lifetime.
func (c *Controller) Refresh(ctx context.Context) error {
	slots, err := c.deps.API.ListSlots(ctx, c.session, c.caseID)
	if err != nil {
		return fmt.Errorf("refresh slots: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSessionClosed
	}
	c.touchLocked()
	c.slots = slots
	return nil
}

func (c *Controller) findSlotLocked(id int) *backend.TreatmentSlot {
	for i := range c.slots {
		if c.slots[i].ID == id {
			return &c.slots[i]
		}
	}
	return nil
}

func indexOf(list []int, id int) int {
	for i, v := range list {
		if v == id {
			return i
		}
	}
	return -1
}

func (c *Controller) record(eventType string, slotID *int, payload map[string]any) {
	c.deps.Events.Record(c.ctx, eventlog.Event{
		EventType: eventType,
		SessionID: c.id,
		CaseID:    c.caseID,
		SlotID:    slotID,
		Payload:   eventlog.Payload(c.log, payload),
	})
}

// recordAsync is record for callers holding the mutex: the insert runs off
// the lock so a slow audit write never stalls a toggle.
func (c *Controller) recordAsync(eventType string, slotID *int, payload map[string]any) {
	id := slotID
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		c.record(eventType, id, payload)
	}()
}
