package timeline

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/orthotrack/treatment-timeline/internal/backend"
	"github.com/orthotrack/treatment-timeline/internal/eventlog"
	"github.com/orthotrack/treatment-timeline/internal/video"
)

const (
	VideoTypeWithAligners    = "with_aligners"
	VideoTypeWithoutAligners = "without_aligners"
)

var ErrInvalidVideoType = errors.New("video type must be with_aligners or without_aligners")

// Upload proxies one raw capture to the backend and begins watching its
// encode progress in the background. The returned video id keys the
// session's upload-state map; clients poll UploadProgress with it.
func (c *Controller) Upload(ctx context.Context, slotID int, videoType, filename string, file io.Reader) (string, error) {
	if videoType != VideoTypeWithAligners && videoType != VideoTypeWithoutAligners {
		return "", fmt.Errorf("%w: %q", ErrInvalidVideoType, videoType)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrSessionClosed
	}
	if c.findSlotLocked(slotID) == nil {
		c.mu.Unlock()
		return "", fmt.Errorf("%w: %d", ErrUnknownSlot, slotID)
	}
	c.touchLocked()
	c.mu.Unlock()

	result, err := c.deps.API.UploadVideo(ctx, c.session, slotID, videoType, filename, file)
	if err != nil {
		return "", fmt.Errorf("upload video for slot %d: %w", slotID, err)
	}

	st := &UploadState{
		VideoID:   result.ID,
		SlotID:    slotID,
		VideoType: videoType,
		Status:    video.EncodeStatusEncoding,
	}

	c.mu.Lock()
	gen := c.gen
	c.uploads[result.ID] = st
	c.mu.Unlock()

	c.record(eventlog.EventUploadStarted, &slotID, map[string]any{
		"video_id":   result.ID,
		"video_type": videoType,
	})

	c.watchEncode(gen, result)
	return result.ID, nil
}

// UploadProgress returns a copy of one upload's state.
func (c *Controller) UploadProgress(videoID string) (UploadState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.uploads[videoID]
	if !ok {
		return UploadState{}, fmt.Errorf("%w: %s", ErrUnknownUpload, videoID)
	}
	return *st, nil
}

// watchEncode polls the backend until the video is ready or the poll budget
// runs out, updating the upload state as it goes. On success the resolved
// metadata is merged into the slot's video cache and the shared Redis cache.
func (c *Controller) watchEncode(gen uint64, result *backend.UploadResult) {
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()

		poller := &video.Poller{
			Fetch: func(ctx context.Context, id string) (*backend.EncodeStatus, error) {
				return c.deps.API.VideoStatus(ctx, c.session, id)
			},
			Initial:     c.deps.PollInitial,
			Max:         c.deps.PollMax,
			MaxAttempts: c.deps.PollMaxAttempts,
			Log:         c.log,
			OnProgress: func(st *backend.EncodeStatus, attempt int) {
				c.updateUpload(gen, result.ID, func(u *UploadState) {
					u.Progress = st.Progress
					u.Attempts = attempt
				})
			},
		}

		_, err := poller.Wait(c.ctx, result.ID)
		if err != nil {
			status := video.EncodeStatusFailed
			if errors.Is(err, video.ErrEncodeTimeout) {
				status = "timed_out"
			}
			c.updateUpload(gen, result.ID, func(u *UploadState) {
				u.Status = status
				u.Error = err.Error()
			})
			c.recordUploadOutcome(gen, result.ID, eventlog.EventUploadFailed)
			return
		}

		meta, ierr := video.Ingest(&backend.VideoObject{
			ID:        result.ID,
			Thumbnail: result.Thumbnail,
			Iframe:    result.Iframe,
		})
		if ierr != nil {
			c.log.Error().Err(ierr).Str("video_id", result.ID).Msg("uploaded video ingest failed")
		} else {
			c.deps.Videos.Set(c.ctx, meta)
		}

		var replaced *string
		c.mu.Lock()
		if c.gen == gen {
			if u, ok := c.uploads[result.ID]; ok {
				u.Status = video.EncodeStatusReady
				u.Progress = 100
			}
			if meta != nil {
				st := c.uploads[result.ID]
				vd, ok := c.videos[st.SlotID]
				if !ok {
					vd = &VideoData{}
					c.videos[st.SlotID] = vd
				}
				if st.VideoType == VideoTypeWithAligners {
					vd.WithAligners = meta
				} else {
					vd.WithoutAligners = meta
				}
				if s := c.findSlotLocked(st.SlotID); s != nil {
					id := result.ID
					if st.VideoType == VideoTypeWithAligners {
						replaced = s.VideoWithAlignersLink
						s.VideoWithAlignersLink = &id
					} else {
						replaced = s.VideoWithoutAlignersLink
						s.VideoWithoutAlignersLink = &id
					}
				}
			}
		}
		c.mu.Unlock()

		// A re-upload supersedes the slot's previous video; drop its stale
		// cache entry rather than waiting out the TTL.
		if replaced != nil && *replaced != result.ID {
			if err := c.deps.Videos.Invalidate(c.ctx, *replaced); err != nil {
				c.log.Warn().Err(err).Str("video_id", *replaced).Msg("stale video cache invalidation failed")
			}
		}

		c.recordUploadOutcome(gen, result.ID, eventlog.EventUploadReady)
	}()
}

func (c *Controller) updateUpload(gen uint64, videoID string, fn func(*UploadState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return
	}
	if u, ok := c.uploads[videoID]; ok {
		fn(u)
	}
}

func (c *Controller) recordUploadOutcome(gen uint64, videoID, eventType string) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	var slotID *int
	if u, ok := c.uploads[videoID]; ok {
		id := u.SlotID
		slotID = &id
	}
	c.mu.Unlock()

	c.record(eventType, slotID, map[string]any{"video_id": videoID})
}
