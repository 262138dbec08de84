package timeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/orthotrack/treatment-timeline/internal/backend"
	"github.com/orthotrack/treatment-timeline/internal/eventlog"
	redisclient "github.com/orthotrack/treatment-timeline/internal/redis"
	"github.com/orthotrack/treatment-timeline/internal/video"
)

// fakeBackend implements Backend in memory and counts every network-shaped
// call so tests can assert on laziness and idempotence.
type fakeBackend struct {
	mu sync.Mutex

	slots    []backend.TreatmentSlot
	comments map[int][]backend.Comment
	videos   map[string]*backend.VideoObject
	encodes  []backend.EncodeStatus

	commentErr  map[int]error
	updateErr   error
	verifyErr   error
	finalizeErr error

	calls map[string]int
}

func newFakeBackend(slots []backend.TreatmentSlot) *fakeBackend {
	return &fakeBackend{
		slots:      slots,
		comments:   make(map[int][]backend.Comment),
		videos:     make(map[string]*backend.VideoObject),
		commentErr: make(map[int]error),
		calls:      make(map[string]int),
	}
}

func (f *fakeBackend) count(key string) {
	f.mu.Lock()
	f.calls[key]++
	f.mu.Unlock()
}

func (f *fakeBackend) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeBackend) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, v := range f.calls {
		n += v
	}
	return n
}

func (f *fakeBackend) ListSlots(ctx context.Context, session string, caseID int) ([]backend.TreatmentSlot, error) {
	f.count("listSlots")
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.TreatmentSlot(nil), f.slots...), nil
}

func (f *fakeBackend) ListComments(ctx context.Context, session string, caseID, treatmentID int) ([]backend.Comment, error) {
	f.count(fmt.Sprintf("comments:%d", treatmentID))
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.commentErr[treatmentID]; err != nil {
		return nil, err
	}
	return append([]backend.Comment(nil), f.comments[treatmentID]...), nil
}

func (f *fakeBackend) ResolveVideo(ctx context.Context, session, videoID string) (*backend.VideoObject, error) {
	f.count("resolve:" + videoID)
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.videos[videoID]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return obj, nil
}

func (f *fakeBackend) VerifySlot(ctx context.Context, session string, slotID int, qrCode string) error {
	f.count(fmt.Sprintf("verify:%d", slotID))
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyErr
}

func (f *fakeBackend) Finalize(ctx context.Context, session string, slotID int, finalized bool) error {
	f.count(fmt.Sprintf("finalize:%d", slotID))
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finalizeErr
}

func (f *fakeBackend) UpdateStatus(ctx context.Context, session string, slotID int, status backend.SlotStatus) error {
	f.count(fmt.Sprintf("updateStatus:%d", slotID))
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updateErr
}

func (f *fakeBackend) UploadVideo(ctx context.Context, session string, slotID int, videoType, filename string, file io.Reader) (*backend.UploadResult, error) {
	f.count("upload")
	return &backend.UploadResult{
		ID:        "uploaded-1",
		Thumbnail: "https://videos.example/uploaded-1/thumb.jpg",
		Iframe:    `<iframe src="https://videos.example/embed/uploaded-1"></iframe>`,
	}, nil
}

func (f *fakeBackend) VideoStatus(ctx context.Context, session, videoID string) (*backend.EncodeStatus, error) {
	f.count("videoStatus")
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.encodes) == 0 {
		return &backend.EncodeStatus{Status: video.EncodeStatusReady, Progress: 100}, nil
	}
	st := f.encodes[0]
	f.encodes = f.encodes[1:]
	return &st, nil
}

func (f *fakeBackend) addVideo(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.videos[id] = &backend.VideoObject{
		ID:        id,
		Thumbnail: "https://videos.example/" + id + "/thumb.jpg",
		Iframe:    fmt.Sprintf(`<iframe src="https://videos.example/embed/%s"></iframe>`, id),
	}
}

func strptr(s string) *string { return &s }

// makeSlots builds a contiguous plan starting two months back, one slot per
// status given, ids 1..n.
func makeSlots(statuses ...backend.SlotStatus) []backend.TreatmentSlot {
	start := time.Now().AddDate(0, -2, 0)
	slots := make([]backend.TreatmentSlot, 0, len(statuses))
	for i, st := range statuses {
		slots = append(slots, backend.TreatmentSlot{
			ID:              i + 1,
			CaseID:          7,
			TreatmentNumber: i + 1,
			StartDate:       start,
			EndDate:         start.AddDate(0, 0, 14),
			Status:          st,
		})
		start = start.AddDate(0, 0, 14)
	}
	return slots
}

func newTestController(t *testing.T, fb *fakeBackend) *Controller {
	t.Helper()
	c := New(7, "cookie-value", Deps{
		API:             fb,
		Videos:          video.NewMetadataCache(nil, time.Hour, zerolog.Nop()),
		Locker:          redisclient.NoopLocker{},
		Events:          eventlog.NopRecorder{},
		Log:             zerolog.Nop(),
		PollInitial:     time.Millisecond,
		PollMax:         2 * time.Millisecond,
		PollMaxAttempts: 5,
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start controller: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestToggleSlotExpandCollapse(t *testing.T) {
	fb := newFakeBackend(makeSlots(backend.SlotPending, backend.SlotPending))
	c := newTestController(t, fb)

	if err := c.ToggleSlot(1); err != nil {
		t.Fatalf("expand: %v", err)
	}
	if got := c.OpenSlots(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("expected open=[1], got %v", got)
	}

	if err := c.ToggleSlot(1); err != nil {
		t.Fatalf("collapse: %v", err)
	}
	if got := c.OpenSlots(); len(got) != 0 {
		t.Fatalf("expected empty open set after double toggle, got %v", got)
	}
}

func TestToggleSlotUnknown(t *testing.T) {
	fb := newFakeBackend(makeSlots(backend.SlotPending))
	c := newTestController(t, fb)

	if err := c.ToggleSlot(99); !errors.Is(err, ErrUnknownSlot) {
		t.Fatalf("expected ErrUnknownSlot, got %v", err)
	}
}

func TestHorizontalFIFOEviction(t *testing.T) {
	fb := newFakeBackend(makeSlots(backend.SlotPending, backend.SlotPending, backend.SlotPending))
	c := newTestController(t, fb)

	if err := c.SetViewMode(ModeHorizontal); err != nil {
		t.Fatalf("set mode: %v", err)
	}

	for _, id := range []int{1, 2, 3} {
		if err := c.ToggleSlot(id); err != nil {
			t.Fatalf("toggle %d: %v", id, err)
		}
	}

	got := c.OpenSlots()
	if len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("expected open=[2 3] after FIFO eviction, got %v", got)
	}
}

func TestVerticalModeHasNoCap(t *testing.T) {
	fb := newFakeBackend(makeSlots(backend.SlotPending, backend.SlotPending, backend.SlotPending, backend.SlotPending))
	c := newTestController(t, fb)

	for _, id := range []int{1, 2, 3, 4} {
		if err := c.ToggleSlot(id); err != nil {
			t.Fatalf("toggle %d: %v", id, err)
		}
	}
	if got := c.OpenSlots(); len(got) != 4 {
		t.Fatalf("expected all 4 slots open in vertical mode, got %v", got)
	}
}

func TestLazyCommentFetch(t *testing.T) {
	fb := newFakeBackend(makeSlots(backend.SlotInProgress))
	fb.comments[1] = []backend.Comment{{ID: 10, TreatmentID: 1, Comment: "looks good"}}
	c := newTestController(t, fb)

	if _, ok := c.Messages(1); ok {
		t.Fatal("messages must be absent before first expand")
	}
	if fb.callCount("comments:1") != 0 {
		t.Fatal("no comment fetch may happen before first expand")
	}

	if err := c.ToggleSlot(1); err != nil {
		t.Fatalf("expand: %v", err)
	}
	c.Flush()

	msgs, ok := c.Messages(1)
	if !ok || len(msgs) != 1 || msgs[0].Comment != "looks good" {
		t.Fatalf("expected one loaded comment, got ok=%v msgs=%v", ok, msgs)
	}

	// Collapse and re-expand: the successful fetch must not repeat.
	if err := c.ToggleSlot(1); err != nil {
		t.Fatalf("collapse: %v", err)
	}
	if err := c.ToggleSlot(1); err != nil {
		t.Fatalf("re-expand: %v", err)
	}
	c.Flush()

	if got := fb.callCount("comments:1"); got != 1 {
		t.Fatalf("expected exactly 1 comment fetch, got %d", got)
	}
}

func TestCommentFetchFailureLeavesCacheAbsentAndRetries(t *testing.T) {
	fb := newFakeBackend(makeSlots(backend.SlotInProgress))
	fb.commentErr[1] = errors.New("boom")
	c := newTestController(t, fb)

	if err := c.ToggleSlot(1); err != nil {
		t.Fatalf("expand: %v", err)
	}
	c.Flush()

	if _, ok := c.Messages(1); ok {
		t.Fatal("failed fetch must leave the cache entry absent")
	}

	// Clear the failure; re-expanding must retry.
	fb.mu.Lock()
	delete(fb.commentErr, 1)
	fb.comments[1] = []backend.Comment{{ID: 11, TreatmentID: 1, Comment: "retry worked"}}
	fb.mu.Unlock()

	if err := c.ToggleSlot(1); err != nil {
		t.Fatalf("collapse: %v", err)
	}
	if err := c.ToggleSlot(1); err != nil {
		t.Fatalf("re-expand: %v", err)
	}
	c.Flush()

	if _, ok := c.Messages(1); !ok {
		t.Fatal("expected comments loaded after retry")
	}
	if got := fb.callCount("comments:1"); got != 2 {
		t.Fatalf("expected 2 comment fetches (fail then retry), got %d", got)
	}
}

func TestLoadVideosSkipsPendingSlots(t *testing.T) {
	slots := makeSlots(backend.SlotCompleted, backend.SlotInProgress, backend.SlotPending)
	slots[0].VideoWithAlignersLink = strptr("v1")
	slots[0].VideoWithoutAlignersLink = strptr("v2")
	slots[1].VideoWithAlignersLink = strptr("v3")
	slots[2].VideoWithAlignersLink = strptr("v4")

	fb := newFakeBackend(slots)
	for _, id := range []string{"v1", "v2", "v3", "v4"} {
		fb.addVideo(id)
	}
	c := newTestController(t, fb)

	if _, ok := c.Videos(1); !ok {
		t.Fatal("completed slot must have resolved videos")
	}
	if _, ok := c.Videos(2); !ok {
		t.Fatal("in_progress slot must have resolved videos")
	}
	if _, ok := c.Videos(3); ok {
		t.Fatal("pending slot must never be resolved")
	}
	if fb.callCount("resolve:v4") != 0 {
		t.Fatal("pending slot's video must never be looked up")
	}
}

func TestLoadVideosIdempotent(t *testing.T) {
	slots := makeSlots(backend.SlotCompleted)
	slots[0].VideoWithAlignersLink = strptr("v1")
	fb := newFakeBackend(slots)
	fb.addVideo("v1")
	c := newTestController(t, fb)

	before := fb.totalCalls()
	if err := c.LoadVideos(context.Background()); err != nil {
		t.Fatalf("second load: %v", err)
	}
	if got := fb.totalCalls(); got != before {
		t.Fatalf("second LoadVideos must issue zero calls, went from %d to %d", before, got)
	}
}

func TestLoadVideosResolveFailureIsPartial(t *testing.T) {
	slots := makeSlots(backend.SlotCompleted)
	slots[0].VideoWithAlignersLink = strptr("missing")
	slots[0].VideoWithoutAlignersLink = strptr("v2")
	fb := newFakeBackend(slots)
	fb.addVideo("v2")
	c := newTestController(t, fb)

	vd, ok := c.Videos(1)
	if !ok {
		t.Fatal("expected a cache entry despite one failed lookup")
	}
	if vd.WithAligners != nil {
		t.Fatal("failed lookup must leave its side nil")
	}
	if vd.WithoutAligners == nil || vd.WithoutAligners.PlaybackURL != "https://videos.example/embed/v2" {
		t.Fatalf("expected resolved without-aligners video, got %+v", vd.WithoutAligners)
	}
}

func TestAutoSelectPrefersWithAligners(t *testing.T) {
	slots := makeSlots(backend.SlotCompleted)
	slots[0].VideoWithAlignersLink = strptr("v1")
	slots[0].VideoWithoutAlignersLink = strptr("v2")
	fb := newFakeBackend(slots)
	fb.addVideo("v1")
	fb.addVideo("v2")
	c := newTestController(t, fb)

	if err := c.ToggleSlot(1); err != nil {
		t.Fatalf("expand: %v", err)
	}

	sel := c.Selected()
	if sel == nil {
		t.Fatal("expected auto-selected video on expand")
	}
	if sel.SlotID != 1 || sel.URL != "https://videos.example/embed/v1" {
		t.Fatalf("expected with-aligners video selected, got %+v", sel)
	}
}

func TestSelectionClearsOnOwnCollapseOnly(t *testing.T) {
	slots := makeSlots(backend.SlotCompleted, backend.SlotCompleted)
	slots[0].VideoWithAlignersLink = strptr("v1")
	fb := newFakeBackend(slots)
	fb.addVideo("v1")
	c := newTestController(t, fb)

	if err := c.ToggleSlot(1); err != nil {
		t.Fatalf("expand 1: %v", err)
	}
	if c.Selected() == nil {
		t.Fatal("expected selection after expanding slot 1")
	}

	// Toggling an unrelated slot leaves the selection alone.
	if err := c.ToggleSlot(2); err != nil {
		t.Fatalf("expand 2: %v", err)
	}
	if err := c.ToggleSlot(2); err != nil {
		t.Fatalf("collapse 2: %v", err)
	}
	if c.Selected() == nil {
		t.Fatal("collapsing an unrelated slot must not clear the selection")
	}

	if err := c.ToggleSlot(1); err != nil {
		t.Fatalf("collapse 1: %v", err)
	}
	if c.Selected() != nil {
		t.Fatal("collapsing the owning slot must clear the selection")
	}
}

func TestEvictionClearsSelectionOfEvictedSlot(t *testing.T) {
	slots := makeSlots(backend.SlotCompleted, backend.SlotCompleted, backend.SlotCompleted)
	slots[0].VideoWithAlignersLink = strptr("v1")
	fb := newFakeBackend(slots)
	fb.addVideo("v1")
	c := newTestController(t, fb)

	if err := c.SetViewMode(ModeHorizontal); err != nil {
		t.Fatalf("set mode: %v", err)
	}
	for _, id := range []int{1, 2, 3} {
		if err := c.ToggleSlot(id); err != nil {
			t.Fatalf("toggle %d: %v", id, err)
		}
	}

	if got := c.OpenSlots(); len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("expected open=[2 3], got %v", got)
	}
	if c.Selected() != nil {
		t.Fatal("evicting slot 1 must clear its selection")
	}
}

func TestViewModesKeepIndependentOpenSets(t *testing.T) {
	fb := newFakeBackend(makeSlots(backend.SlotPending, backend.SlotPending, backend.SlotPending))
	c := newTestController(t, fb)

	// Vertical: open 1 and 2.
	if err := c.ToggleSlot(1); err != nil {
		t.Fatal(err)
	}
	if err := c.ToggleSlot(2); err != nil {
		t.Fatal(err)
	}

	if err := c.SetViewMode(ModeHorizontal); err != nil {
		t.Fatal(err)
	}
	if got := c.OpenSlots(); len(got) != 0 {
		t.Fatalf("horizontal set starts empty, got %v", got)
	}
	if err := c.ToggleSlot(3); err != nil {
		t.Fatal(err)
	}

	// Switching back must find vertical's set untouched.
	if err := c.SetViewMode(ModeVertical); err != nil {
		t.Fatal(err)
	}
	if got := c.OpenSlots(); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("vertical set must survive the round trip, got %v", got)
	}
}

func TestViewModeSwitchClearsForeignSelection(t *testing.T) {
	slots := makeSlots(backend.SlotCompleted)
	slots[0].VideoWithAlignersLink = strptr("v1")
	fb := newFakeBackend(slots)
	fb.addVideo("v1")
	c := newTestController(t, fb)

	if err := c.ToggleSlot(1); err != nil {
		t.Fatal(err)
	}
	if c.Selected() == nil {
		t.Fatal("expected selection in vertical mode")
	}

	// Slot 1 is not open in horizontal mode, so the selection goes away.
	if err := c.SetViewMode(ModeHorizontal); err != nil {
		t.Fatal(err)
	}
	if c.Selected() != nil {
		t.Fatal("selection must clear when its slot is not open in the new mode")
	}
}

func TestSetViewModeRejectsUnknownMode(t *testing.T) {
	fb := newFakeBackend(makeSlots(backend.SlotPending))
	c := newTestController(t, fb)

	if err := c.SetViewMode("diagonal"); !errors.Is(err, ErrInvalidMode) {
		t.Fatalf("expected ErrInvalidMode, got %v", err)
	}
}

func TestCompleteTreatmentPatchesAfterSuccess(t *testing.T) {
	fb := newFakeBackend(makeSlots(backend.SlotInProgress))
	c := newTestController(t, fb)

	if err := c.CompleteTreatment(context.Background(), 1); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got := c.Slots()[0].Status; got != backend.SlotCompleted {
		t.Fatalf("expected completed after success, got %s", got)
	}
}

func TestCompleteTreatmentFailureLeavesCacheUnchanged(t *testing.T) {
	fb := newFakeBackend(makeSlots(backend.SlotInProgress))
	fb.updateErr = fmt.Errorf("%w: 500", backend.ErrBackendStatus)
	c := newTestController(t, fb)

	err := c.CompleteTreatment(context.Background(), 1)
	if !errors.Is(err, backend.ErrBackendStatus) {
		t.Fatalf("expected backend status error, got %v", err)
	}
	if got := c.Slots()[0].Status; got != backend.SlotInProgress {
		t.Fatalf("failed PATCH must leave cached status untouched, got %s", got)
	}
}

func TestVerifySlotPatchesVerified(t *testing.T) {
	fb := newFakeBackend(makeSlots(backend.SlotInProgress))
	c := newTestController(t, fb)

	if err := c.VerifySlot(context.Background(), 1, "qr-token"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !c.Slots()[0].Verified {
		t.Fatal("expected verified=true after successful check-in")
	}
}

func TestSetFinalizedPatchesLocallyWithoutNetwork(t *testing.T) {
	slots := makeSlots(backend.SlotCompleted)
	slots[0].VideoWithAlignersLink = strptr("v1")
	fb := newFakeBackend(slots)
	fb.addVideo("v1")
	c := newTestController(t, fb)

	before := fb.totalCalls()
	if err := c.SetFinalized(1, true); err != nil {
		t.Fatalf("set finalized: %v", err)
	}
	if fb.totalCalls() != before {
		t.Fatal("SetFinalized must not touch the network")
	}
	if !c.Slots()[0].Finalized {
		t.Fatal("slot finalized flag not patched")
	}
	vd, _ := c.Videos(1)
	if !vd.Finalized {
		t.Fatal("video cache finalized flag not patched")
	}
}

func TestFinalizeSubmissionPatchesAfterSuccess(t *testing.T) {
	fb := newFakeBackend(makeSlots(backend.SlotCompleted))
	c := newTestController(t, fb)

	if err := c.FinalizeSubmission(context.Background(), 1, true); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if got := fb.callCount("finalize:1"); got != 1 {
		t.Fatalf("expected 1 backend finalize call, got %d", got)
	}
	if !c.Slots()[0].Finalized {
		t.Fatal("confirmed finalize must patch the cached slot")
	}
}

func TestFinalizeSubmissionFailureLeavesCacheUnchanged(t *testing.T) {
	fb := newFakeBackend(makeSlots(backend.SlotCompleted))
	fb.finalizeErr = fmt.Errorf("%w: 500", backend.ErrBackendStatus)
	c := newTestController(t, fb)

	if err := c.FinalizeSubmission(context.Background(), 1, true); !errors.Is(err, backend.ErrBackendStatus) {
		t.Fatalf("expected backend status error, got %v", err)
	}
	if c.Slots()[0].Finalized {
		t.Fatal("failed finalize must leave the cached slot untouched")
	}
}

func TestClosedSessionRejectsOperations(t *testing.T) {
	fb := newFakeBackend(makeSlots(backend.SlotPending))
	c := newTestController(t, fb)
	c.Close()

	if err := c.ToggleSlot(1); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if err := c.SetFinalized(1, true); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestUploadTracksEncodeToReady(t *testing.T) {
	fb := newFakeBackend(makeSlots(backend.SlotInProgress))
	fb.encodes = []backend.EncodeStatus{
		{Status: video.EncodeStatusEncoding, Progress: 40},
		{Status: video.EncodeStatusReady, Progress: 100},
	}
	c := newTestController(t, fb)

	id, err := c.Upload(context.Background(), 1, VideoTypeWithAligners, "capture.mp4", strings.NewReader("raw"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	c.Flush()

	st, err := c.UploadProgress(id)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if st.Status != video.EncodeStatusReady {
		t.Fatalf("expected ready, got %s", st.Status)
	}

	vd, ok := c.Videos(1)
	if !ok || vd.WithAligners == nil {
		t.Fatal("ready upload must merge into the slot's video cache")
	}
	if vd.WithAligners.PlaybackURL != "https://videos.example/embed/uploaded-1" {
		t.Fatalf("unexpected playback url %q", vd.WithAligners.PlaybackURL)
	}
}

func TestUploadRejectsBadVideoType(t *testing.T) {
	fb := newFakeBackend(makeSlots(backend.SlotInProgress))
	c := newTestController(t, fb)

	if _, err := c.Upload(context.Background(), 1, "sideways", "x.mp4", strings.NewReader("raw")); !errors.Is(err, ErrInvalidVideoType) {
		t.Fatalf("expected ErrInvalidVideoType, got %v", err)
	}
}
