package ingest

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"tradewatch-backend/lib/textutil"
)

// Checkpoint is the per-site resume state the daemon drops to disk
// while a scrape is in flight. A crash mid-run picks up at the saved
// page instead of refetching the whole site.
type Checkpoint struct {
	Url            string    `json:"url"`
	Page           int       `json:"page"`
	ItemsProcessed int       `json:"items_processed"`
	RetryCount     int       `json:"retry_count"`
	Timestamp      time.Time `json:"timestamp"`
}

type checkpointStore struct {
	// "" disables checkpointing entirely
	dir string
}

func (s checkpointStore) path(site string) string {
	return filepath.Join(s.dir, textutil.Slugify(site)+".checkpoint.json")
}

func (s checkpointStore) load(site string) (Checkpoint, bool) {
	if s.dir == "" {
		return Checkpoint{}, false
	}
	data, err := os.ReadFile(s.path(site))
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("failed to read checkpoint", "site", site, "err", err)
		}
		return Checkpoint{}, false
	}
	var checkpoint Checkpoint
	err = json.Unmarshal(data, &checkpoint)
	if err != nil {
		slog.Warn("discarding corrupt checkpoint", "site", site, "err", err)
		return Checkpoint{}, false
	}
	return checkpoint, true
}

func (s checkpointStore) save(site string, checkpoint Checkpoint) error {
	if s.dir == "" {
		return nil
	}
	err := os.MkdirAll(s.dir, 0755)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(site), data, 0644)
}

func (s checkpointStore) clear(site string) {
	if s.dir == "" {
		return
	}
	err := os.Remove(s.path(site))
	if err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to clear checkpoint", "site", site, "err", err)
	}
}
