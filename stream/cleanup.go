// Package stream provides DynamoDB Streams handlers for blob cleanup.
//
// Image metadata commits happen after the blob upload, so a crash or a
// delete can leave a blob with no record pointing at it. This handler
// watches the table's stream and destroys the blob host asset whenever
// an image record is removed, reclaiming orphans out of band without
// changing the store's two-phase write ordering.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-lambda-go/events"
)

// BlobRemover destroys an asset previously stored at url.
// *blob.Cloudinary implements it.
type BlobRemover interface {
	Remove(ctx context.Context, url string) error
}

// Handler processes DynamoDB stream events for blob cleanup.
type Handler struct {
	remover BlobRemover
	logger  *slog.Logger
}

// NewHandler creates a new stream handler.
func NewHandler(remover BlobRemover, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		remover: remover,
		logger:  logger,
	}
}

// HandleBlobCleanup processes DynamoDB stream events and removes blobs
// referenced by deleted image records. Designed to be used as an AWS
// Lambda handler with the stream view including old images.
func (h *Handler) HandleBlobCleanup(ctx context.Context, event events.DynamoDBEvent) error {
	for _, record := range event.Records {
		if err := h.processRecord(ctx, record); err != nil {
			h.logger.Error("failed to process record",
				"eventID", record.EventID,
				"error", err,
			)
			return err // Will retry, eventually DLQ
		}
	}
	return nil
}

// processRecord handles a single stream record.
func (h *Handler) processRecord(ctx context.Context, record events.DynamoDBEventRecord) error {
	if record.EventName != "REMOVE" {
		return nil
	}

	// Only image records carry a blob URL worth reclaiming. Timeline
	// projections reference the same id but hold no url attribute.
	pk := getStringAttr(record.Change.OldImage, "pk")
	if !strings.HasPrefix(pk, "image#") {
		return nil
	}

	url := getStringAttr(record.Change.OldImage, "url")
	if url == "" {
		return nil
	}

	id := getStringAttr(record.Change.OldImage, "id")
	h.logger.Info("removing orphaned blob",
		"imageID", id,
		"url", url,
	)

	if err := h.remover.Remove(ctx, url); err != nil {
		return fmt.Errorf("remove blob %s: %w", url, err)
	}
	return nil
}

// getStringAttr extracts a string attribute from a DynamoDB stream image.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeString {
		return v.String()
	}
	return ""
}
