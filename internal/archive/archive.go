// Package archive writes detail payloads to date-partitioned object keys.
package archive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/catalog-archiver/internal/catalog"
	"github.com/JakeFAU/catalog-archiver/internal/telemetry"
)

// Config controls key layout and object content type.
type Config struct {
	Prefix      string
	Extension   string
	ContentType string
}

// Record describes a completed write.
type Record struct {
	Key    string
	URI    string
	SHA256 string
	Bytes  int
}

// Writer stores payloads through a BlobStore.
type Writer struct {
	blobs  catalog.BlobStore
	cfg    Config
	hasher catalog.Hasher
}

// Key builds "<prefix>/<year>/<month>/<day>/<name>.<ext>" from the UTC date of
// at. Month and day are not zero padded.
func Key(prefix string, at time.Time, name, ext string) string {
	at = at.UTC()
	file := name
	if ext != "" {
		file = name + "." + strings.TrimPrefix(ext, ".")
	}
	key := fmt.Sprintf("%d/%d/%d/%s", at.Year(), int(at.Month()), at.Day(), file)
	if p := strings.Trim(prefix, "/"); p != "" {
		key = p + "/" + key
	}
	return key
}

// New builds a Writer. A nil hasher skips digest metadata.
func New(blobs catalog.BlobStore, cfg Config, hasher catalog.Hasher) *Writer {
	if cfg.ContentType == "" {
		cfg.ContentType = "application/json"
	}
	return &Writer{blobs: blobs, cfg: cfg, hasher: hasher}
}

// Write stores payload under the key for (at, name). Writing the same payload
// to the same key again overwrites it.
func (w *Writer) Write(ctx context.Context, name string, at time.Time, payload []byte) (Record, error) {
	key := Key(w.cfg.Prefix, at, name, w.cfg.Extension)
	if err := catalog.ValidateName(name); err != nil {
		return Record{}, &catalog.ArchiveError{Key: key, Err: err}
	}

	rec := Record{Key: key, Bytes: len(payload)}
	meta := map[string]string{"identifier": name}
	if w.hasher != nil {
		sum, err := w.hasher.Hash(payload)
		if err != nil {
			return Record{}, &catalog.ArchiveError{Key: key, Err: fmt.Errorf("hash payload: %w", err)}
		}
		rec.SHA256 = sum
		meta["sha256"] = sum
	}

	uri, err := w.blobs.PutObject(ctx, key, w.cfg.ContentType, payload, meta)
	if err != nil {
		return Record{}, &catalog.ArchiveError{Key: key, Err: err}
	}
	rec.URI = uri
	telemetry.ObserveArchivedBytes(len(payload))
	return rec, nil
}
