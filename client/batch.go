package client

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/socket-pool-service/pkg/model"
	"golang.org/x/sync/errgroup"
)

// BatchItem is one entry of a batch send.
type BatchItem struct {
	Host      string       `json:"host"`
	Port      int          `json:"port"`
	Payload   string       `json:"payload"`
	VehicleID string       `json:"vehicle_id,omitempty"`
	Options   *SendOptions `json:"options,omitempty"`
}

// BatchEntryResult pairs one item with its outcome.
type BatchEntryResult struct {
	Index    int               `json:"index"`
	Success  bool              `json:"success"`
	Error    string            `json:"error,omitempty"`
	Response *model.SendResult `json:"response,omitempty"`
}

// BatchResult summarizes one batch.
type BatchResult struct {
	BatchID    string             `json:"batch_id"`
	Total      int                `json:"total"`
	Successful int                `json:"successful"`
	Failed     int                `json:"failed"`
	DurationMS float64            `json:"duration_ms"`
	Results    []BatchEntryResult `json:"results"`
}

// defaultBatchConcurrency bounds the parallel fan-out when the caller does
// not choose one.
const defaultBatchConcurrency = 8

// SendBatch dispatches the items with bounded concurrency. concurrency == 1
// degrades to sequential order-preserving dispatch; concurrency <= 0 uses
// defaultBatchConcurrency. Results always land at their item's index.
func (c *Client) SendBatch(ctx context.Context, items []BatchItem, concurrency int) *BatchResult {
	started := time.Now()
	res := &BatchResult{
		BatchID: uuid.NewString(),
		Total:   len(items),
		Results: make([]BatchEntryResult, len(items)),
	}

	if concurrency <= 0 {
		concurrency = defaultBatchConcurrency
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, item := range items {
		g.Go(func() error {
			out, err := c.SendGPS(gctx, item.Host, item.Port, item.Payload, item.VehicleID, item.Options)
			entry := BatchEntryResult{Index: i}
			if err != nil {
				entry.Error = err.Error()
			} else {
				entry.Success = out.Success
				entry.Response = out
				if !out.Success {
					entry.Error = out.Error
				}
			}
			res.Results[i] = entry
			return nil
		})
	}
	// Workers never return errors; the group is used for its limit and
	// context plumbing.
	_ = g.Wait()

	for _, entry := range res.Results {
		if entry.Success {
			res.Successful++
		} else {
			res.Failed++
		}
	}
	res.DurationMS = float64(time.Since(started).Microseconds()) / 1000.0
	return res
}
