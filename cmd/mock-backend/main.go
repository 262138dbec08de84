// mock-backend serves the clinical backend's treatment surface with
// generated data so the gateway can run locally without the real API. Every
// response uses the backend's `{data: ...}` envelope.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type slot struct {
	ID                         int     `json:"id"`
	CaseID                     int     `json:"case_id"`
	TreatmentNumber            int     `json:"treatment_number"`
	StartDate                  string  `json:"start_date"`
	EndDate                    string  `json:"end_date"`
	Status                     string  `json:"status"`
	Verified                   bool    `json:"verified"`
	Finalized                  bool    `json:"finalized"`
	VideoWithAlignersLink      *string `json:"video_with_aligners_link"`
	VideoWithoutAlignersLink   *string `json:"video_without_aligners_link"`
	VideoWithAlignersStatus    string  `json:"video_with_aligners_status"`
	VideoWithoutAlignersStatus string  `json:"video_without_aligners_status"`
}

type comment struct {
	// ids are serialized as strings on purpose: the real backend does this
	// intermittently and the gateway has to cope.
	ID          string `json:"id"`
	CaseID      string `json:"case_id"`
	TreatmentID string `json:"treatment_id"`
	UserID      string `json:"user_id"`
	Comment     string `json:"comment"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type videoObject struct {
	ID        string `json:"id"`
	Thumbnail string `json:"thumbnail"`
	Iframe    string `json:"iframe"`
}

type store struct {
	mu      sync.Mutex
	slots   map[int][]*slot        // case id -> slots
	byID    map[int]*slot          // slot id -> slot
	threads map[int][]comment      // slot id -> comments
	videos  map[string]videoObject // video id -> object
	encodes map[string]int         // video id -> polls remaining until ready
	nextID  int
}

func newStore(cases, slotsPerCase int) *store {
	s := &store{
		slots:   make(map[int][]*slot),
		byID:    make(map[int]*slot),
		threads: make(map[int][]comment),
		videos:  make(map[string]videoObject),
		encodes: make(map[string]int),
		nextID:  1,
	}
	for caseID := 1; caseID <= cases; caseID++ {
		s.seedCase(caseID, slotsPerCase)
	}
	return s
}

func (s *store) seedCase(caseID, n int) {
	start := time.Now().AddDate(0, 0, -14*(n/2))
	for i := 1; i <= n; i++ {
		sl := &slot{
			ID:                         s.nextID,
			CaseID:                     caseID,
			TreatmentNumber:            i,
			StartDate:                  start.Format(time.RFC3339),
			EndDate:                    start.AddDate(0, 0, 14).Format(time.RFC3339),
			Status:                     statusFor(start),
			VideoWithAlignersStatus:    "pending",
			VideoWithoutAlignersStatus: "pending",
		}
		s.nextID++
		start = start.AddDate(0, 0, 14)

		if sl.Status != "pending" {
			sl.Verified = true
			with := s.newVideo()
			without := s.newVideo()
			sl.VideoWithAlignersLink = &with
			sl.VideoWithoutAlignersLink = &without
			if sl.Status == "completed" {
				sl.Finalized = true
				sl.VideoWithAlignersStatus = "approved"
				sl.VideoWithoutAlignersStatus = "approved"
			}
			s.seedThread(sl)
		}

		s.slots[caseID] = append(s.slots[caseID], sl)
		s.byID[sl.ID] = sl
	}
}

func statusFor(start time.Time) string {
	now := time.Now()
	end := start.AddDate(0, 0, 14)
	switch {
	case start.After(now):
		return "pending"
	case end.Before(now):
		return "completed"
	default:
		return "in_progress"
	}
}

func (s *store) newVideo() string {
	id := uuid.NewString()
	s.videos[id] = videoObject{
		ID:        id,
		Thumbnail: gofakeit.URL() + "/thumb.jpg",
		Iframe:    fmt.Sprintf(`<iframe src="https://videos.example/embed/%s" allowfullscreen></iframe>`, id),
	}
	return id
}

func (s *store) seedThread(sl *slot) {
	n := gofakeit.Number(0, 4)
	for i := 0; i < n; i++ {
		at := gofakeit.DateRange(time.Now().AddDate(0, -1, 0), time.Now()).Format(time.RFC3339)
		s.threads[sl.ID] = append(s.threads[sl.ID], comment{
			ID:          strconv.Itoa(gofakeit.Number(1000, 9999)),
			CaseID:      strconv.Itoa(sl.CaseID),
			TreatmentID: strconv.Itoa(sl.ID),
			UserID:      strconv.Itoa(gofakeit.Number(1, 50)),
			Comment:     gofakeit.Sentence(12),
			CreatedAt:   at,
			UpdatedAt:   at,
		})
	}
}

func envelope(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	port := os.Getenv("HTTP_PORT")
	if port == "" {
		port = "9080"
	}

	gofakeit.Seed(time.Now().UnixNano())
	s := newStore(20, 8)

	r := chi.NewRouter()

	r.Get("/treatments/cases/{caseID}", func(w http.ResponseWriter, req *http.Request) {
		caseID, _ := strconv.Atoi(chi.URLParam(req, "caseID"))
		s.mu.Lock()
		defer s.mu.Unlock()
		slots, ok := s.slots[caseID]
		if !ok {
			http.Error(w, `{"error":"case not found"}`, http.StatusNotFound)
			return
		}
		envelope(w, http.StatusOK, slots)
	})

	r.Get("/treatments/comment/{caseID}/{treatmentID}", func(w http.ResponseWriter, req *http.Request) {
		treatmentID, _ := strconv.Atoi(chi.URLParam(req, "treatmentID"))
		s.mu.Lock()
		defer s.mu.Unlock()
		thread := s.threads[treatmentID]
		if thread == nil {
			thread = []comment{}
		}
		envelope(w, http.StatusOK, thread)
	})

	r.Get("/treatments/videoObj/{videoID}", func(w http.ResponseWriter, req *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		obj, ok := s.videos[chi.URLParam(req, "videoID")]
		if !ok {
			http.Error(w, `{"error":"video not found"}`, http.StatusNotFound)
			return
		}
		envelope(w, http.StatusOK, obj)
	})

	r.Post("/treatments/verifyTreatmentSlot/{slotID}", func(w http.ResponseWriter, req *http.Request) {
		slotID, _ := strconv.Atoi(chi.URLParam(req, "slotID"))
		s.mu.Lock()
		defer s.mu.Unlock()
		sl, ok := s.byID[slotID]
		if !ok {
			http.Error(w, `{"error":"slot not found"}`, http.StatusNotFound)
			return
		}
		sl.Verified = true
		envelope(w, http.StatusOK, sl)
	})

	r.Patch("/treatments/{slotID}/finalize", func(w http.ResponseWriter, req *http.Request) {
		slotID, _ := strconv.Atoi(chi.URLParam(req, "slotID"))
		var body struct {
			Finalized bool `json:"finalized"`
		}
		_ = json.NewDecoder(req.Body).Decode(&body)
		s.mu.Lock()
		defer s.mu.Unlock()
		sl, ok := s.byID[slotID]
		if !ok {
			http.Error(w, `{"error":"slot not found"}`, http.StatusNotFound)
			return
		}
		sl.Finalized = body.Finalized
		envelope(w, http.StatusOK, sl)
	})

	r.Patch("/treatments/{slotID}/updateTreatmentSlotStatus", func(w http.ResponseWriter, req *http.Request) {
		slotID, _ := strconv.Atoi(chi.URLParam(req, "slotID"))
		var body struct {
			Status string `json:"status"`
		}
		_ = json.NewDecoder(req.Body).Decode(&body)
		s.mu.Lock()
		defer s.mu.Unlock()
		sl, ok := s.byID[slotID]
		if !ok {
			http.Error(w, `{"error":"slot not found"}`, http.StatusNotFound)
			return
		}
		sl.Status = body.Status
		envelope(w, http.StatusOK, sl)
	})

	r.Post("/treatments/VideoObj", func(w http.ResponseWriter, req *http.Request) {
		if err := req.ParseMultipartForm(32 << 20); err != nil {
			http.Error(w, `{"error":"bad multipart"}`, http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		id := s.newVideo()
		// First two polls report encoding, then ready.
		s.encodes[id] = 2
		envelope(w, http.StatusCreated, s.videos[id])
	})

	r.Get("/treatments/videoStatus/{videoID}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "videoID")
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.videos[id]; !ok {
			http.Error(w, `{"error":"video not found"}`, http.StatusNotFound)
			return
		}
		remaining := s.encodes[id]
		if remaining > 0 {
			s.encodes[id] = remaining - 1
			envelope(w, http.StatusOK, map[string]any{"status": "encoding", "progress": 100 - remaining*40})
			return
		}
		envelope(w, http.StatusOK, map[string]any{"status": "ready", "progress": 100})
	})

	log.Info().Str("port", port).Msg("mock backend listening")
	if err := http.ListenAndServe(":"+port, r); err != nil {
		log.Fatal().Err(err).Msg("mock backend exited")
	}
}
