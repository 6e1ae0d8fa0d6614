package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	slskdName           = "slskd"
	slskdSearchTimeout  = 45 * time.Second
	slskdPollInterval   = 2 * time.Second
	slskdRequestTimeout = 30 * time.Second
)

// SlskdClient acquires releases over the Soulseek peer-to-peer network
// through a slskd daemon's REST API. It initiates a search, polls for
// peer responses, and drives enqueued transfers to completion.
type SlskdClient struct {
	baseURL    string
	apiKey     string
	enabled    bool
	httpClient *http.Client
}

// NewSlskdClient creates a slskd-backed acquisition source.
func NewSlskdClient(baseURL, apiKey string, enabled bool) *SlskdClient {
	return &SlskdClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		enabled: enabled,
		httpClient: &http.Client{
			Timeout: slskdRequestTimeout,
		},
	}
}

func (c *SlskdClient) Name() string { return slskdName }

func (c *SlskdClient) Enabled() bool { return c.enabled }

// doJSON performs an authenticated request and decodes the response
// into out when out is non-nil. Network failures and upstream 5xx are
// transient; everything else is definitive.
func (c *SlskdClient) doJSON(ctx context.Context, method, p string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+p, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Transient(fmt.Errorf("slskd request: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Transient(fmt.Errorf("read slskd response: %w", err))
	}

	if resp.StatusCode >= 500 {
		return Transient(fmt.Errorf("slskd returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("slskd returned %d: %s", resp.StatusCode, string(raw))
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode slskd response: %w", err)
		}
	}
	return nil
}

type slskdSearchState struct {
	ID         string `json:"id"`
	State      string `json:"state"`
	IsComplete bool   `json:"isComplete"`
}

type slskdResponse struct {
	Username        string      `json:"username"`
	FreeUploadSlots int         `json:"freeUploadSlots"`
	QueueLength     int         `json:"queueLength"`
	Files           []slskdFile `json:"files"`
}

type slskdFile struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	BitRate  int    `json:"bitRate"`
}

// Search issues a Soulseek search for "artist album" and maps each
// responding peer to one candidate, ranked by format, bitrate, and the
// peer's upload-slot availability.
func (c *SlskdClient) Search(ctx context.Context, target Target) ([]Candidate, error) {
	searchID := uuid.New().String()
	searchText := strings.TrimSpace(target.Artist + " " + target.Album)

	err := c.doJSON(ctx, http.MethodPost, "/api/v0/searches", map[string]any{
		"id":         searchID,
		"searchText": searchText,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("initiate search: %w", err)
	}

	// Poll until the daemon marks the search complete or the timeout
	// expires. Partial responses are still usable.
	deadline := time.Now().Add(slskdSearchTimeout)
	for time.Now().Before(deadline) {
		var st slskdSearchState
		if err := c.doJSON(ctx, http.MethodGet, "/api/v0/searches/"+searchID, nil, &st); err != nil {
			return nil, fmt.Errorf("poll search: %w", err)
		}
		if st.IsComplete {
			break
		}
		select {
		case <-time.After(slskdPollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var responses []slskdResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/v0/searches/"+searchID+"/responses", nil, &responses); err != nil {
		return nil, fmt.Errorf("collect search responses: %w", err)
	}

	candidates := make([]Candidate, 0, len(responses))
	for _, r := range responses {
		if len(r.Files) == 0 {
			continue
		}
		var size int64
		bitrate := 0
		for _, f := range r.Files {
			size += f.Size
			if f.BitRate > bitrate {
				bitrate = f.BitRate
			}
		}
		availability := r.FreeUploadSlots*10 - r.QueueLength
		if availability < 0 {
			availability = 0
		}
		candidates = append(candidates, Candidate{
			SourceName:   slskdName,
			ID:           searchID,
			Peer:         r.Username,
			Format:       fileFormat(r.Files[0].Filename),
			BitrateKbps:  bitrate,
			SizeBytes:    size,
			Availability: availability,
		})
	}

	Rank(candidates)
	log.Printf("slskd: search %q produced %d candidates", searchText, len(candidates))
	return candidates, nil
}

type slskdTransfer struct {
	State            string `json:"state"`
	BytesTransferred int64  `json:"bytesTransferred"`
	Size             int64  `json:"size"`
}

// Fetch enqueues the candidate's files on the offering peer and polls
// the transfer until it completes. A peer that vanishes or errors the
// transfer exhausts the candidate; daemon hiccups are transient.
func (c *SlskdClient) Fetch(ctx context.Context, candidate Candidate, progress ProgressFunc) error {
	var responses []slskdResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/v0/searches/"+candidate.ID+"/responses", nil, &responses); err != nil {
		return fmt.Errorf("reload search responses: %w", err)
	}

	var files []slskdFile
	for _, r := range responses {
		if r.Username == candidate.Peer {
			files = r.Files
			break
		}
	}
	if len(files) == 0 {
		return fmt.Errorf("peer %s no longer offers the files", candidate.Peer)
	}

	requests := make([]map[string]any, len(files))
	for i, f := range files {
		requests[i] = map[string]any{"filename": f.Filename, "size": f.Size}
	}
	err := c.doJSON(ctx, http.MethodPost, "/api/v0/transfers/downloads/"+candidate.Peer, requests, nil)
	if err != nil {
		return fmt.Errorf("enqueue transfer: %w", err)
	}

	for {
		var transfers []slskdTransfer
		if err := c.doJSON(ctx, http.MethodGet, "/api/v0/transfers/downloads/"+candidate.Peer, nil, &transfers); err != nil {
			return fmt.Errorf("poll transfer: %w", err)
		}

		var received, total int64
		done := len(transfers) > 0
		for _, t := range transfers {
			received += t.BytesTransferred
			total += t.Size
			switch {
			case strings.Contains(t.State, "Errored"), strings.Contains(t.State, "Cancelled"):
				return fmt.Errorf("transfer from %s ended in state %s", candidate.Peer, t.State)
			case !strings.Contains(t.State, "Completed"):
				done = false
			}
		}
		if progress != nil {
			progress(received, total)
		}
		if done {
			return nil
		}

		select {
		case <-time.After(slskdPollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// fileFormat derives the audio format from a filename extension.
func fileFormat(filename string) string {
	return strings.TrimPrefix(strings.ToLower(path.Ext(filename)), ".")
}
