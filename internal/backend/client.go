package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("resource not found")
	ErrUnauthorized  = errors.New("backend session rejected")
	ErrBackendStatus = errors.New("backend returned non-success status")
)

// Client talks to the clinical backend REST API. Every request carries the
// caller's session cookie; authentication itself is entirely the backend's
// concern.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cookieName string
}

type Option func(*Client)

// WithHTTPClient overrides the underlying http.Client, mainly for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func NewClient(baseURL, cookieName string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		cookieName: cookieName,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListSlots fetches the ordered slot array for a case. The backend already
// orders by start date; sorting again keeps the invariant even if it stops.
func (c *Client) ListSlots(ctx context.Context, session string, caseID int) ([]TreatmentSlot, error) {
	var slots []TreatmentSlot
	if err := c.doJSON(ctx, session, http.MethodGet, fmt.Sprintf("/treatments/cases/%d", caseID), nil, &slots); err != nil {
		return nil, fmt.Errorf("list slots for case %d: %w", caseID, err)
	}
	sort.SliceStable(slots, func(i, j int) bool {
		return slots[i].StartDate.Before(slots[j].StartDate)
	})
	return slots, nil
}

// ListComments fetches the comment thread for one slot, coercing id fields
// that the backend may serialize as strings.
func (c *Client) ListComments(ctx context.Context, session string, caseID, treatmentID int) ([]Comment, error) {
	var wire []wireComment
	path := fmt.Sprintf("/treatments/comment/%d/%d", caseID, treatmentID)
	if err := c.doJSON(ctx, session, http.MethodGet, path, nil, &wire); err != nil {
		return nil, fmt.Errorf("list comments for slot %d: %w", treatmentID, err)
	}
	comments := make([]Comment, 0, len(wire))
	for _, w := range wire {
		comments = append(comments, w.normalize())
	}
	return comments, nil
}

// ResolveVideo resolves an opaque video id into thumbnail and iframe assets.
func (c *Client) ResolveVideo(ctx context.Context, session, videoID string) (*VideoObject, error) {
	var obj VideoObject
	if err := c.doJSON(ctx, session, http.MethodGet, "/treatments/videoObj/"+videoID, nil, &obj); err != nil {
		return nil, fmt.Errorf("resolve video %s: %w", videoID, err)
	}
	return &obj, nil
}

// VerifySlot submits an in-person QR check-in for a slot.
func (c *Client) VerifySlot(ctx context.Context, session string, slotID int, qrCode string) error {
	body := map[string]string{"qr_code": qrCode}
	path := fmt.Sprintf("/treatments/verifyTreatmentSlot/%d", slotID)
	if err := c.doJSON(ctx, session, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("verify slot %d: %w", slotID, err)
	}
	return nil
}

// Finalize locks or unlocks the patient's video submission for a slot.
func (c *Client) Finalize(ctx context.Context, session string, slotID int, finalized bool) error {
	body := map[string]bool{"finalized": finalized}
	path := fmt.Sprintf("/treatments/%d/finalize", slotID)
	if err := c.doJSON(ctx, session, http.MethodPatch, path, body, nil); err != nil {
		return fmt.Errorf("finalize slot %d: %w", slotID, err)
	}
	return nil
}

// UpdateStatus asks the backend to transition a slot's status. The backend is
// the sole authority on whether the transition is legal.
func (c *Client) UpdateStatus(ctx context.Context, session string, slotID int, status SlotStatus) error {
	body := map[string]string{"status": string(status)}
	path := fmt.Sprintf("/treatments/%d/updateTreatmentSlotStatus", slotID)
	if err := c.doJSON(ctx, session, http.MethodPatch, path, body, nil); err != nil {
		return fmt.Errorf("update status of slot %d: %w", slotID, err)
	}
	return nil
}

// UploadVideo streams a raw capture to the backend and returns the new video
// object. videoType is "with_aligners" or "without_aligners".
func (c *Client) UploadVideo(ctx context.Context, session string, slotID int, videoType, filename string, file io.Reader) (*UploadResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if err := mw.WriteField("treatment_id", fmt.Sprintf("%d", slotID)); err != nil {
		return nil, fmt.Errorf("write treatment_id field: %w", err)
	}
	if err := mw.WriteField("video_type", videoType); err != nil {
		return nil, fmt.Errorf("write video_type field: %w", err)
	}
	part, err := mw.CreateFormFile("video", filename)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("copy video payload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/treatments/VideoObj", &buf)
	if err != nil {
		return nil, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.attachSession(req, session)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload video: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var result UploadResult
	if err := decodeEnvelope(resp.Body, &result); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	return &result, nil
}

// VideoStatus polls transcoding progress for an uploaded video.
func (c *Client) VideoStatus(ctx context.Context, session, videoID string) (*EncodeStatus, error) {
	var st EncodeStatus
	if err := c.doJSON(ctx, session, http.MethodGet, "/treatments/videoStatus/"+videoID, nil, &st); err != nil {
		return nil, fmt.Errorf("video status %s: %w", videoID, err)
	}
	return &st, nil
}

// doJSON issues one request and, when out is non-nil, decodes the backend's
// `{data: ...}` envelope into it.
func (c *Client) doJSON(ctx context.Context, session, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.attachSession(req, session)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return decodeEnvelope(resp.Body, out)
}

func (c *Client) attachSession(req *http.Request, session string) {
	if session != "" {
		req.AddCookie(&http.Cookie{Name: c.cookieName, Value: session})
	}
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	default:
		return fmt.Errorf("%w: %d", ErrBackendStatus, resp.StatusCode)
	}
}

func decodeEnvelope(r io.Reader, out any) error {
	var env envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if len(env.Data) == 0 {
		return errors.New("envelope has no data field")
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}
