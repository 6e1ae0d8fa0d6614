package api

import (
	"time"

	"github.com/cachamber/harmonia/internal/download/model"
	"github.com/cachamber/harmonia/internal/source"
)

// TargetPayload identifies one desired release in intake requests.
type TargetPayload struct {
	TargetKey  string `json:"targetKey" binding:"required"`
	Album      string `json:"album"`
	Artist     string `json:"artist"`
	PreviewRef string `json:"previewRef"`
}

// CreateBatchRequest opens a discovery batch for a target set.
type CreateBatchRequest struct {
	WeekStart *time.Time      `json:"weekStart"`
	Targets   []TargetPayload `json:"targets" binding:"required"`
}

// CreateDownloadRequest queues one ad-hoc download outside any batch.
type CreateDownloadRequest struct {
	Target TargetPayload `json:"target" binding:"required"`
}

// JobResponse represents a download job in API responses.
type JobResponse struct {
	ID          string     `json:"id"`
	TargetKey   string     `json:"targetKey"`
	BatchID     string     `json:"batchId,omitempty"`
	Album       string     `json:"album"`
	Artist      string     `json:"artist"`
	Status      string     `json:"status"`
	Attempt     int        `json:"attempt"`
	SourceUsed  string     `json:"sourceUsed,omitempty"`
	LastError   *string    `json:"lastError,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// BatchResponse represents a discovery batch in API responses.
type BatchResponse struct {
	ID        string        `json:"id"`
	WeekStart time.Time     `json:"weekStart"`
	Status    string        `json:"status"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Total     int           `json:"total"`
	CreatedAt time.Time     `json:"createdAt"`
	Jobs      []JobResponse `json:"jobs,omitempty"`
}

// UnavailableResponse lists a batch's permanently unavailable targets.
type UnavailableResponse struct {
	Albums []UnavailableAlbumResponse `json:"albums"`
	Total  int                        `json:"total"`
}

// UnavailableAlbumResponse is one exhausted target with its attempt
// history summary.
type UnavailableAlbumResponse struct {
	TargetKey  string    `json:"targetKey"`
	Album      string    `json:"album"`
	Artist     string    `json:"artist"`
	Attempt    int       `json:"attempt"`
	PreviewRef string    `json:"previewRef,omitempty"`
	FailedAt   time.Time `json:"failedAt"`
}

// DownloadListResponse lists a user's in-flight downloads.
type DownloadListResponse struct {
	Downloads []JobResponse `json:"downloads"`
	Total     int           `json:"total"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

func toJobResponse(job *model.DownloadJob) JobResponse {
	return JobResponse{
		ID:          job.ID,
		TargetKey:   job.TargetKey,
		BatchID:     job.BatchID,
		Album:       job.Album,
		Artist:      job.Artist,
		Status:      string(job.Status),
		Attempt:     job.Attempt,
		SourceUsed:  job.SourceUsed,
		LastError:   job.LastError,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}
}

func toBatchResponse(batch *model.DiscoveryBatch, jobs []*model.DownloadJob) BatchResponse {
	resp := BatchResponse{
		ID:        batch.ID,
		WeekStart: batch.WeekStart,
		Status:    string(batch.Status),
		Completed: batch.Completed,
		Failed:    batch.Failed,
		Total:     batch.TargetCount,
		CreatedAt: batch.CreatedAt,
	}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, toJobResponse(job))
	}
	return resp
}

func toDownloadListResponse(jobs []*model.DownloadJob) DownloadListResponse {
	resp := DownloadListResponse{Downloads: make([]JobResponse, 0, len(jobs)), Total: len(jobs)}
	for _, job := range jobs {
		resp.Downloads = append(resp.Downloads, toJobResponse(job))
	}
	return resp
}

func toUnavailableResponse(albums []model.UnavailableAlbum) UnavailableResponse {
	resp := UnavailableResponse{Albums: make([]UnavailableAlbumResponse, 0, len(albums)), Total: len(albums)}
	for _, a := range albums {
		resp.Albums = append(resp.Albums, UnavailableAlbumResponse{
			TargetKey:  a.TargetKey,
			Album:      a.Album,
			Artist:     a.Artist,
			Attempt:    a.Attempt,
			PreviewRef: a.PreviewRef,
			FailedAt:   a.FailedAt,
		})
	}
	return resp
}

func toTarget(p TargetPayload) source.Target {
	return source.Target{
		Key:        p.TargetKey,
		Album:      p.Album,
		Artist:     p.Artist,
		PreviewRef: p.PreviewRef,
	}
}
