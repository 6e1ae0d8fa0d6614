package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	lidarrName         = "lidarr"
	lidarrPollInterval = 5 * time.Second
	lidarrGrabTimeout  = 10 * time.Minute
)

// LidarrClient acquires releases through a Lidarr instance: the album
// is looked up by its metadata-registry id, an interactive release
// search is run against the configured indexers, and the chosen release
// is grabbed and tracked through Lidarr's queue.
type LidarrClient struct {
	baseURL    string
	apiKey     string
	enabled    bool
	httpClient *http.Client

	pollInterval time.Duration
	grabTimeout  time.Duration
}

// NewLidarrClient creates a Lidarr-backed acquisition source.
func NewLidarrClient(baseURL, apiKey string, enabled bool) *LidarrClient {
	return &LidarrClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		enabled: enabled,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		pollInterval: lidarrPollInterval,
		grabTimeout:  lidarrGrabTimeout,
	}
}

func (c *LidarrClient) Name() string { return lidarrName }

func (c *LidarrClient) Enabled() bool { return c.enabled }

func (c *LidarrClient) doJSON(ctx context.Context, method, p string, query url.Values, body, out any) error {
	reqURL := c.baseURL + p
	if query != nil {
		reqURL += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Transient(fmt.Errorf("lidarr request: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Transient(fmt.Errorf("read lidarr response: %w", err))
	}

	if resp.StatusCode >= 500 {
		return Transient(fmt.Errorf("lidarr returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("lidarr returned %d: %s", resp.StatusCode, string(raw))
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode lidarr response: %w", err)
		}
	}
	return nil
}

type lidarrAlbum struct {
	ID int `json:"id"`
}

type lidarrRelease struct {
	GUID      string `json:"guid"`
	IndexerID int    `json:"indexerId"`
	Title     string `json:"title"`
	Size      int64  `json:"size"`
	Seeders   int    `json:"seeders"`
	Quality   struct {
		Quality struct {
			Name string `json:"name"`
		} `json:"quality"`
	} `json:"quality"`
}

// Search resolves the target album in Lidarr and lists indexer releases
// for it, one candidate per release.
func (c *LidarrClient) Search(ctx context.Context, target Target) ([]Candidate, error) {
	var albums []lidarrAlbum
	q := url.Values{"foreignAlbumId": {target.Key}}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/album", q, nil, &albums); err != nil {
		return nil, fmt.Errorf("lookup album: %w", err)
	}
	if len(albums) == 0 {
		return nil, fmt.Errorf("album %s not known to lidarr", target.Key)
	}
	albumID := albums[0].ID

	var releases []lidarrRelease
	q = url.Values{"albumId": {strconv.Itoa(albumID)}}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/release", q, nil, &releases); err != nil {
		return nil, fmt.Errorf("list releases: %w", err)
	}

	candidates := make([]Candidate, 0, len(releases))
	for _, r := range releases {
		candidates = append(candidates, Candidate{
			SourceName: lidarrName,
			// albumID and indexerID lead; the guid may itself
			// contain colons.
			ID:           fmt.Sprintf("%d:%d:%s", albumID, r.IndexerID, r.GUID),
			Peer:         r.Title,
			Format:       qualityFormat(r.Quality.Quality.Name),
			SizeBytes:    r.Size,
			Availability: r.Seeders,
		})
	}

	Rank(candidates)
	log.Printf("lidarr: album %s produced %d candidates", target.Key, len(candidates))
	return candidates, nil
}

type lidarrQueueItem struct {
	AlbumID  int    `json:"albumId"`
	Status   string `json:"status"`
	Size     int64  `json:"size"`
	SizeLeft int64  `json:"sizeleft"`
}

type lidarrHistoryRecord struct {
	EventType string `json:"eventType"`
}

// Fetch grabs the release and follows it through Lidarr's download
// queue until the item leaves the queue (imported) or errors out. The
// queue is matched on the album id; absence only counts as import
// completion once the item has been observed in the queue, or the
// album's history confirms an import.
func (c *LidarrClient) Fetch(ctx context.Context, candidate Candidate, progress ProgressFunc) error {
	albumStr, rest, ok := strings.Cut(candidate.ID, ":")
	if !ok {
		return fmt.Errorf("malformed candidate id %q", candidate.ID)
	}
	indexerStr, guid, ok := strings.Cut(rest, ":")
	if !ok {
		return fmt.Errorf("malformed candidate id %q", candidate.ID)
	}
	albumID, err := strconv.Atoi(albumStr)
	if err != nil {
		return fmt.Errorf("malformed album id in %q", candidate.ID)
	}
	indexerID, err := strconv.Atoi(indexerStr)
	if err != nil {
		return fmt.Errorf("malformed indexer id in %q", candidate.ID)
	}

	err = c.doJSON(ctx, http.MethodPost, "/api/v1/release", nil, map[string]any{
		"guid":      guid,
		"indexerId": indexerID,
	}, nil)
	if err != nil {
		return fmt.Errorf("grab release: %w", err)
	}

	seen := false
	deadline := time.Now().Add(c.grabTimeout)
	for time.Now().Before(deadline) {
		var queue struct {
			Records []lidarrQueueItem `json:"records"`
		}
		if err := c.doJSON(ctx, http.MethodGet, "/api/v1/queue", nil, nil, &queue); err != nil {
			return fmt.Errorf("poll queue: %w", err)
		}

		found := false
		for _, item := range queue.Records {
			if item.AlbumID != albumID {
				continue
			}
			found = true
			seen = true
			if progress != nil {
				progress(item.Size-item.SizeLeft, item.Size)
			}
			if strings.EqualFold(item.Status, "failed") || strings.EqualFold(item.Status, "warning") {
				return fmt.Errorf("lidarr queue item ended in status %s", item.Status)
			}
		}
		if !found {
			imported := seen
			if !imported {
				// The grab may have imported before its first queue
				// sighting; only history can tell that apart from a
				// grab that has not reached the queue yet.
				imported, err = c.albumImported(ctx, albumID)
				if err != nil {
					log.Printf("lidarr: history check for album %d failed: %v", albumID, err)
					imported = false
				}
			}
			if imported {
				if progress != nil {
					progress(candidate.SizeBytes, candidate.SizeBytes)
				}
				return nil
			}
		}

		select {
		case <-time.After(c.pollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return Transient(fmt.Errorf("release %s still queued after %s", guid, c.grabTimeout))
}

// albumImported reports whether the album's history records a finished
// import.
func (c *LidarrClient) albumImported(ctx context.Context, albumID int) (bool, error) {
	var records []lidarrHistoryRecord
	q := url.Values{"albumId": {strconv.Itoa(albumID)}}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/history/album", q, nil, &records); err != nil {
		return false, err
	}
	for _, r := range records {
		switch strings.ToLower(r.EventType) {
		case "downloadimported", "trackfileimported":
			return true, nil
		}
	}
	return false, nil
}

// qualityFormat maps Lidarr quality names onto the shared format scale.
func qualityFormat(name string) string {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "flac"):
		return "flac"
	case strings.Contains(n, "mp3"):
		return "mp3"
	case strings.Contains(n, "aac"):
		return "aac"
	default:
		return n
	}
}
