package api

import (
	"github.com/orthotrack/treatment-timeline/internal/backend"
)

type ViewModeRequest struct {
	Mode string `json:"mode"`
}

type VerifyRequest struct {
	QRCode string `json:"qr_code"`
}

type FinalizedRequest struct {
	Finalized bool `json:"finalized"`
}

type CommentsResponse struct {
	Loaded   bool              `json:"loaded"`
	Loading  bool              `json:"loading"`
	Comments []backend.Comment `json:"comments"`
}

type UploadResponse struct {
	VideoID string `json:"video_id"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
