package backend

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

type SlotStatus string

const (
	SlotPending    SlotStatus = "pending"
	SlotInProgress SlotStatus = "in_progress"
	SlotOverdue    SlotStatus = "overdue"
	SlotCompleted  SlotStatus = "completed"
)

type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
)

// TreatmentSlot is one scheduled treatment interval within a case's plan.
// The backend owns it; the gateway only reads it and patches its cached copy
// after a confirmed mutation.
type TreatmentSlot struct {
	ID                         int          `json:"id"`
	CaseID                     int          `json:"case_id"`
	TreatmentNumber            int          `json:"treatment_number"`
	StartDate                  time.Time    `json:"start_date"`
	EndDate                    time.Time    `json:"end_date"`
	Status                     SlotStatus   `json:"status"`
	Verified                   bool         `json:"verified"`
	Finalized                  bool         `json:"finalized"`
	VideoWithAlignersLink      *string      `json:"video_with_aligners_link"`
	VideoWithoutAlignersLink   *string      `json:"video_without_aligners_link"`
	VideoWithAlignersStatus    ReviewStatus `json:"video_with_aligners_status"`
	VideoWithoutAlignersStatus ReviewStatus `json:"video_without_aligners_status"`
}

// Comment is one entry in a slot's append-only thread.
type Comment struct {
	ID          int       `json:"id"`
	CaseID      int       `json:"case_id"`
	TreatmentID int       `json:"treatment_id"`
	UserID      int       `json:"user_id"`
	Comment     string    `json:"comment"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// VideoObject is the video-hosting collaborator's resolved metadata for one
// uploaded video.
type VideoObject struct {
	ID        string `json:"id"`
	Thumbnail string `json:"thumbnail"`
	Iframe    string `json:"iframe"`
}

// UploadResult is returned by the multipart video upload.
type UploadResult struct {
	ID        string `json:"id"`
	Thumbnail string `json:"thumbnail"`
	Iframe    string `json:"iframe"`
}

// EncodeStatus reports transcoding progress for an uploaded video.
type EncodeStatus struct {
	Status   string  `json:"status"` // encoding, ready, failed
	Progress float64 `json:"progress"`
}

// FlexInt decodes a JSON number or a numeric string into an int. The backend
// has been observed serializing id fields both ways.
type FlexInt int

func (f *FlexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		// Fall back to float notation such as "12.0".
		v, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return err
		}
		n = int(v)
	}
	*f = FlexInt(n)
	return nil
}

// wireComment is the raw comment shape before id coercion.
type wireComment struct {
	ID          FlexInt   `json:"id"`
	CaseID      FlexInt   `json:"case_id"`
	TreatmentID FlexInt   `json:"treatment_id"`
	UserID      FlexInt   `json:"user_id"`
	Comment     string    `json:"comment"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (w wireComment) normalize() Comment {
	return Comment{
		ID:          int(w.ID),
		CaseID:      int(w.CaseID),
		TreatmentID: int(w.TreatmentID),
		UserID:      int(w.UserID),
		Comment:     w.Comment,
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
	}
}

// envelope is the backend's `{ "data": ... }` response wrapper.
type envelope struct {
	Data json.RawMessage `json:"data"`
}
