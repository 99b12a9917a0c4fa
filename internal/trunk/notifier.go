// Package trunk delivers batched notifications to the trunk backend.
package trunk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nexfon/cbg/internal/config"
	failedjob "github.com/nexfon/cbg/internal/failedjob/domain"
)

const (
	requestTimeout = 5 * time.Second
	// maxBatchSize is a hard protocol limit; the trunk backend rejects
	// larger payloads.
	maxBatchSize = 25
)

var (
	ErrUnknownKind = errors.New("unknown_notification_kind")
	ErrDelivery    = errors.New("trunk_delivery_failed")
)

// Item is one notification payload. Keys depend on the kind.
type Item map[string]any

type Notifier interface {
	// Send delivers items in batches. A failing batch is captured as a
	// failed job and does not block later batches.
	Send(ctx context.Context, kind Kind, items []Item) error
	// SendBatch delivers one pre-sized batch without failed-job capture.
	// It is the replay target for captured batches.
	SendBatch(ctx context.Context, kind Kind, items []Item) error
}

type notifier struct {
	baseURL      string
	authToken    string
	relativeURLs map[string]string
	tuning       *config.TuningHolder
	failedJobs   failedjob.Service
	http         *http.Client
	log          *zap.Logger
}

type batchArgs struct {
	Kind  Kind   `json:"kind"`
	Items []Item `json:"items"`
}

func NewNotifier(cfg *config.Config, tuning *config.TuningHolder, jobs failedjob.Service, log *zap.Logger) Notifier {
	n := &notifier{
		baseURL:      cfg.Trunk.BaseURL,
		authToken:    cfg.Trunk.AuthToken,
		relativeURLs: cfg.Trunk.RelativeURLs,
		tuning:       tuning,
		failedJobs:   jobs,
		http:         &http.Client{Timeout: requestTimeout},
		log:          log.Named("trunk.notifier"),
	}
	jobs.Register("TrunkNotifier", "send_batch", n.replayBatch)
	return n
}

func (n *notifier) Send(ctx context.Context, kind Kind, items []Item) error {
	if !kind.Valid() {
		return ErrUnknownKind
	}

	limit := n.batchLimit()
	var errs []error
	for start := 0; start < len(items); start += limit {
		end := min(start+limit, len(items))
		batch := items[start:end]
		if err := n.SendBatch(ctx, kind, batch); err != nil {
			errs = append(errs, err)
			n.failedJobs.Capture(ctx, failedjob.CaptureRequest{
				JobTitle:    "trunk notification batch",
				ServiceName: "TrunkNotifier",
				MethodName:  "send_batch",
				MethodArgs:  batchArgs{Kind: kind, Items: batch},
				Err:         err,
			})
		}
	}
	return errors.Join(errs...)
}

func (n *notifier) SendBatch(ctx context.Context, kind Kind, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	relative, ok := n.relativeURLs[string(kind)]
	if !ok {
		return ErrUnknownKind
	}

	raw, err := json.Marshal(items)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		n.baseURL+"/"+relative+"/", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+n.authToken)
	}

	resp, err := n.http.Do(req)
	if err != nil {
		n.log.Warn("trunk batch delivery failed",
			zap.String("kind", string(kind)),
			zap.Int("batch_size", len(items)),
			zap.Error(err))
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil
	case http.StatusOK:
		var body struct {
			Status int `json:"status"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err != nil {
			return fmt.Errorf("%w: decode response: %w", ErrDelivery, err)
		}
		if body.Status != http.StatusOK {
			return fmt.Errorf("%w: trunk status %d", ErrDelivery, body.Status)
		}
		return nil
	default:
		return fmt.Errorf("%w: http status %d", ErrDelivery, resp.StatusCode)
	}
}

func (n *notifier) replayBatch(ctx context.Context, args json.RawMessage) error {
	var batch batchArgs
	if err := json.Unmarshal(args, &batch); err != nil {
		return err
	}
	return n.SendBatch(ctx, batch.Kind, batch.Items)
}

func (n *notifier) batchLimit() int {
	limit := n.tuning.Current().NotificationBatchLimit
	if limit <= 0 || limit > maxBatchSize {
		return maxBatchSize
	}
	return limit
}
