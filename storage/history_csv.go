package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"meli-leader-bot/models"
)

var historyHeader = []string{
	"captured_at", "product_id", "previous_id", "leader_id", "listing_id", "seller_id", "price", "title",
}

// HistoryLog appends one CSV row per leader change.
// It is safe for concurrent use.
type HistoryLog struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
}

// NewHistoryLog opens the CSV file at path for appending and writes the
// header row when the file is new. Intermediate directories are created automatically.
func NewHistoryLog(path string) (*HistoryLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("csv: create output dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("csv: open file %q: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("csv: stat %q: %w", path, err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(historyHeader); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("csv: write header: %w", err)
		}
		w.Flush()
		if err := w.Error(); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("csv: write header: %w", err)
		}
	}

	return &HistoryLog{file: f, writer: w}, nil
}

func (h *HistoryLog) Append(snap models.LeaderSnapshot, previousID string, leader models.Listing) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	price := ""
	if leader.HasPrice() {
		price = leader.Price.Decimal.String()
	}
	row := []string{
		snap.CapturedAt.UTC().Format(time.RFC3339),
		snap.ProductID,
		previousID,
		snap.LeaderID,
		leader.ID,
		leader.SellerID,
		price,
		leader.Title,
	}
	if err := h.writer.Write(row); err != nil {
		return fmt.Errorf("csv: write row: %w", err)
	}

	h.writer.Flush()
	return h.writer.Error()
}

// Close flushes and closes the underlying file.
func (h *HistoryLog) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writer.Flush()
	return h.file.Close()
}
