package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/netraven/netraven/pkg/artifacts"
	"github.com/netraven/netraven/pkg/log"
	"github.com/netraven/netraven/pkg/metrics"
	"github.com/netraven/netraven/pkg/storage"
	"github.com/netraven/netraven/pkg/types"
)

// BackupHandler retrieves the device's running configuration and stores it
// in the content-addressed artifact store. Identical configurations share
// one blob; each retrieval still gets its own reference row for audit.
type BackupHandler struct {
	store storage.Store
	blobs artifacts.Store
}

// NewBackupHandler wires the backup job type.
func NewBackupHandler(store storage.Store, blobs artifacts.Store) *BackupHandler {
	return &BackupHandler{store: store, blobs: blobs}
}

func (h *BackupHandler) Meta() Meta {
	return Meta{
		Name:        TypeBackup,
		Description: "retrieve and store the device running configuration",
		HasParams:   true, // "command" overrides the family's show command
	}
}

func (h *BackupHandler) RequiresSession() bool { return true }

// Execute runs the family's show command, normalizes line endings, and
// persists the result. The payload reports the blob hash, its size, and
// whether the content was already present.
func (h *BackupHandler) Execute(ctx context.Context, rc *RunContext) (map[string]any, error) {
	command := rc.Driver.ShowRunningCommand()
	if override, ok := rc.Params["command"]; ok && override != "" {
		command = override
	}

	raw, err := rc.Session.Run(ctx, command)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve configuration: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("device returned empty configuration")
	}

	content := normalizeLineEndings(raw)
	hash := artifacts.Sum(content)

	stored, err := h.blobs.Put(hash, content)
	if err != nil {
		return nil, fmt.Errorf("failed to store configuration blob: %w", err)
	}
	if stored {
		metrics.ArtifactsStoredTotal.WithLabelValues("new").Inc()
	} else {
		metrics.ArtifactsStoredTotal.WithLabelValues("deduplicated").Inc()
	}

	ref := &types.ArtifactRef{
		Hash:        hash,
		DeviceID:    rc.Device.ID,
		JobRunID:    rc.JobRunID,
		SizeBytes:   int64(len(content)),
		RetrievedAt: time.Now().UTC(),
	}
	if err := h.store.CreateArtifactRef(ref); err != nil {
		return nil, fmt.Errorf("failed to record artifact reference: %w", err)
	}

	log.WithJobRunID(rc.JobRunID).Debug().
		Str("device_id", rc.Device.ID).
		Str("hash", hash).
		Bool("deduplicated", !stored).
		Msg("configuration backed up")

	return map[string]any{
		"artifact_hash": hash,
		"bytes":         int64(len(content)),
		"deduplicated":  !stored,
	}, nil
}

// normalizeLineEndings rewrites CRLF and bare CR to LF so the same
// configuration hashes identically regardless of transport quirks.
func normalizeLineEndings(raw []byte) []byte {
	s := string(raw)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return []byte(s)
}
