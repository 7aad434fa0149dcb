package hostbrowser

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/klauspost/compress/zstd"

	pkginv "nodeident/pkg/inventory"
	gos3 "nodeident/pkg/s3"
	"nodeident/pkg/signing"
)

const (
	archiveContentType = "application/zstd"
	metaReportID       = "report-id"
	metaNodeUUID       = "node-uuid"
	metaSignature      = "signature"
	metaPublicKey      = "signature-key"
)

type objectStore interface {
	PutObject(ctx context.Context, obj gos3.Object) error
}

// Archiver stores each report as a zstd-compressed JSON object.
type Archiver struct {
	store   objectStore
	bucket  string
	prefix  string
	signer  *signing.Signer
	encoder *zstd.Encoder
}

// NewArchiver returns an Archiver writing under prefix in bucket. signer may
// be nil, in which case objects are not signed.
func NewArchiver(store objectStore, bucket, prefix string, signer *signing.Signer) (*Archiver, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	return &Archiver{store: store, bucket: bucket, prefix: prefix, signer: signer, encoder: encoder}, nil
}

// Archive uploads rep and returns the object key.
func (a *Archiver) Archive(ctx context.Context, rep pkginv.Report) (string, error) {
	if a == nil {
		return "", errors.New("nil archiver")
	}
	payload, err := json.Marshal(rep)
	if err != nil {
		return "", err
	}

	metadata := map[string]string{
		metaReportID: rep.ID.String(),
		metaNodeUUID: rep.Inventory.UUID,
	}
	if a.signer != nil {
		sig, err := a.signer.Sign(payload)
		if err != nil {
			return "", fmt.Errorf("sign report %s: %w", rep.ID, err)
		}
		metadata[metaSignature] = sig
		metadata[metaPublicKey] = a.signer.PublicKey()
	}

	compressed := a.encoder.EncodeAll(payload, nil)
	sum := sha256.Sum256(compressed)
	key := archiveKey(a.prefix, rep)

	err = a.store.PutObject(ctx, gos3.Object{
		Bucket:      a.bucket,
		Key:         key,
		Body:        bytes.NewReader(compressed),
		Size:        int64(len(compressed)),
		ContentType: archiveContentType,
		SHA256:      hex.EncodeToString(sum[:]),
		Metadata:    metadata,
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// archiveKey lays objects out as <prefix>/<uuid>/<received-unix>-<report-id>.json.zst.
func archiveKey(prefix string, rep pkginv.Report) string {
	name := fmt.Sprintf("%d-%s.json.zst", rep.ReceivedAt.Unix(), rep.ID)
	return path.Join(prefix, keySegment(rep.Inventory.UUID), name)
}

func keySegment(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
