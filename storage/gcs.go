package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"section-notifier/pkg/notifier"
)

// gcsBackend stores item documents in a Cloud Storage bucket. Updates are
// conditioned on the generation that was read, so concurrent writers retry
// instead of overwriting each other.
type gcsBackend struct {
	client *storage.Client
	logger *slog.Logger
	bucket string
}

func openGCS(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage bucket is required for gcs driver")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	logger.Info("Using Cloud Storage", "bucket", cfg.Bucket)
	return &docStore{b: &gcsBackend{client: client, bucket: cfg.Bucket, logger: logger}, now: time.Now}, nil
}

// read returns the document and its generation; generation is 0 when the
// object does not exist.
func (g *gcsBackend) read(ctx context.Context, item notifier.ItemID) (*document, int64, error) {
	key := documentKey(item)
	r, err := g.client.Bucket(g.bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return &document{Item: item}, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("open storage reader: %w", err)
	}
	defer func() {
		if closeErr := r.Close(); closeErr != nil {
			g.logger.Warn("Failed to close storage reader", "error", closeErr)
		}
	}()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, fmt.Errorf("read from storage: %w", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, 0, retry.Unrecoverable(fmt.Errorf("unmarshal document: %w", err))
	}
	return &doc, r.Attrs.Generation, nil
}

func (g *gcsBackend) load(ctx context.Context, item notifier.ItemID) (*document, error) {
	var doc *document
	err := retry.Do(
		func() error {
			d, _, err := g.read(ctx, item)
			if err != nil {
				return err
			}
			doc = d
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			g.logger.Info("Retrying load operation after error", "attempt", n, "item", item, "error", retryErr)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return doc, nil
}

func (g *gcsBackend) update(ctx context.Context, item notifier.ItemID, fn func(*document) error) error {
	key := documentKey(item)
	var fnErr error
	err := retry.Do(
		func() error {
			doc, gen, err := g.read(ctx, item)
			if err != nil {
				return err
			}
			if fnErr = fn(doc); fnErr != nil {
				return retry.Unrecoverable(fnErr)
			}

			obj := g.client.Bucket(g.bucket).Object(key)
			if gen == 0 {
				obj = obj.If(storage.Conditions{DoesNotExist: true})
			} else {
				obj = obj.If(storage.Conditions{GenerationMatch: gen})
			}

			if len(doc.Subscriptions) == 0 {
				if gen == 0 {
					return nil
				}
				if err := obj.Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
					return fmt.Errorf("delete from storage: %w", err)
				}
				return nil
			}

			data, err := json.MarshalIndent(doc, "", "  ")
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("marshal document: %w", err))
			}
			w := obj.NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					g.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(5),
		retry.Delay(200*time.Millisecond),
		retry.MaxDelay(10*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			if isPreconditionFailed(retryErr) {
				g.logger.Debug("Document changed concurrently, retrying", "attempt", n, "key", key)
				return
			}
			g.logger.Info("Retrying save operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if fnErr != nil {
		if errors.Is(fnErr, errUnchanged) {
			return nil
		}
		return fnErr
	}
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	return nil
}

func (g *gcsBackend) keys(ctx context.Context) ([]string, error) {
	it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{Prefix: docPrefix})
	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

func (g *gcsBackend) close() error {
	return g.client.Close()
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
