package timeline

import (
	"github.com/orthotrack/treatment-timeline/internal/backend"
	"github.com/orthotrack/treatment-timeline/internal/video"
)

// SlotView is one slot as rendered to a display client: the backend slot
// plus the session's derived flags.
type SlotView struct {
	backend.TreatmentSlot
	Open            bool       `json:"open"`
	VideosResolved  bool       `json:"videos_resolved"`
	CommentsLoaded  bool       `json:"comments_loaded"`
	CommentsLoading bool       `json:"comments_loading"`
	Videos          *VideoView `json:"videos,omitempty"`
}

// VideoView is the client-facing shape of a slot's resolved videos.
type VideoView struct {
	WithAligners    *MetaView `json:"with_aligners"`
	WithoutAligners *MetaView `json:"without_aligners"`
	Finalized       bool      `json:"finalized"`
}

type MetaView struct {
	ID          string `json:"id"`
	Thumbnail   string `json:"thumbnail"`
	PlaybackURL string `json:"playback_url"`
}

// View is the full session snapshot returned by the gateway.
type View struct {
	SessionID string         `json:"session_id"`
	CaseID    int            `json:"case_id"`
	Mode      ViewMode       `json:"view_mode"`
	Open      []int          `json:"open_slots"`
	Selected  *SelectedVideo `json:"selected_video"`
	Slots     []SlotView     `json:"slots"`
}

// Snapshot renders the session's current state. It copies everything it
// returns; callers never see live cache internals.
func (c *Controller) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	open := c.open[c.mode]
	v := View{
		SessionID: c.id.String(),
		CaseID:    c.caseID,
		Mode:      c.mode,
		Open:      append([]int(nil), open...),
		Slots:     make([]SlotView, 0, len(c.slots)),
	}
	if c.selected != nil {
		sel := *c.selected
		v.Selected = &sel
	}

	for _, s := range c.slots {
		sv := SlotView{
			TreatmentSlot:   s,
			Open:            indexOf(open, s.ID) >= 0,
			CommentsLoading: c.msgLoading[s.ID],
		}
		_, sv.CommentsLoaded = c.messages[s.ID]
		if vd, ok := c.videos[s.ID]; ok {
			sv.VideosResolved = true
			sv.Videos = &VideoView{
				WithAligners:    metaView(vd.WithAligners),
				WithoutAligners: metaView(vd.WithoutAligners),
				Finalized:       vd.Finalized,
			}
		}
		v.Slots = append(v.Slots, sv)
	}
	return v
}

func metaView(m *video.Meta) *MetaView {
	if m == nil {
		return nil
	}
	return &MetaView{ID: m.ID, Thumbnail: m.Thumbnail, PlaybackURL: m.PlaybackURL}
}

// Messages returns the cached comment thread for a slot. ok=false means the
// thread has never been loaded, which is distinct from an empty thread.
func (c *Controller) Messages(slotID int) ([]backend.Comment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs, ok := c.messages[slotID]
	if !ok {
		return nil, false
	}
	return append([]backend.Comment(nil), msgs...), true
}

// MessagesLoading reports whether a comment fetch is in flight for the slot.
func (c *Controller) MessagesLoading(slotID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msgLoading[slotID]
}

// Videos returns the cached video data for a slot. ok=false means the load
// pass has not populated the slot.
func (c *Controller) Videos(slotID int) (VideoData, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	vd, ok := c.videos[slotID]
	if !ok {
		return VideoData{}, false
	}
	return *vd, true
}

// OpenSlots returns the expansion list for the current mode, oldest first.
func (c *Controller) OpenSlots() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.open[c.mode]...)
}

// Selected returns the currently highlighted video, if any.
func (c *Controller) Selected() *SelectedVideo {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected == nil {
		return nil
	}
	sel := *c.selected
	return &sel
}

// Mode returns the active view mode.
func (c *Controller) Mode() ViewMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Slots returns a copy of the cached slot list.
func (c *Controller) Slots() []backend.TreatmentSlot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]backend.TreatmentSlot(nil), c.slots...)
}
