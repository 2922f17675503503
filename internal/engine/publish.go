package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/maren/divvy/internal/crypto"
	"github.com/maren/divvy/internal/db"
	"github.com/maren/divvy/internal/manifest"
	"github.com/maren/divvy/internal/syncconfig"
)

// snapshotEvery is how many new mutations accumulate before the
// published snapshot is re-exported. Between exports the manifest keeps
// pointing at the previous one; joiners replay the difference from
// chunks.
const snapshotEvery = 50

// publish uploads everything this device owes the ring: the pending
// mutation chunk, the refreshed documents, and a manifest tying them
// together under this device's pointer.
func (e *Engine) publish(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, syncconfig.GetPublishTimeout())
	defer cancel()

	key, err := e.db.ActiveBroadcastKey()
	if err != nil {
		return err
	}
	if key == nil {
		return fmt.Errorf("no broadcast key installed")
	}

	if err := e.publishPending(ctx, key); err != nil {
		return err
	}

	snapAddr, err := e.refreshSnapshot(ctx, key)
	if err != nil {
		// The manifest can still go out pointing at the previous export.
		e.logger.Warn("snapshot export failed", "err", err)
		snapAddr, _ = e.db.GetMeta(db.MetaSnapshotAddress)
	}

	ringAddr, err := e.uploadRingDoc(ctx, key)
	if err != nil {
		return err
	}
	dirAddr, err := e.uploadPeerDirectory(ctx, key)
	if err != nil {
		return err
	}

	envAddr := ""
	env, err := e.ring.BuildEnvelopes()
	if err != nil {
		return fmt.Errorf("build envelopes: %w", err)
	}
	if env != nil {
		envAddr = crypto.ContentAddress(env)
		if err := e.provider.Upload(ctx, envAddr, env); err != nil {
			return fmt.Errorf("upload envelopes: %w", err)
		}
	}

	chunks, err := e.db.ChunkIndex()
	if err != nil {
		return err
	}
	latest, err := e.db.LatestMutationID()
	if err != nil {
		return err
	}

	man, err := manifest.Build(e.ident.DeviceID, key, manifest.BuildInput{
		LatestID:             latest,
		Chunks:               chunks,
		SnapshotAddress:      snapAddr,
		DeviceRingAddress:    ringAddr,
		PeerDirectoryAddress: dirAddr,
		KeyEnvelopesAddress:  envAddr,
	})
	if err != nil {
		return err
	}
	data, err := man.Encode()
	if err != nil {
		return err
	}
	addr := crypto.ContentAddress(data)
	if err := e.provider.Upload(ctx, addr, data); err != nil {
		return fmt.Errorf("upload manifest: %w", err)
	}

	self, err := e.ident.PublishIdentityHex()
	if err != nil {
		return err
	}
	if err := e.provider.Publish(ctx, self, addr); err != nil {
		return fmt.Errorf("publish pointer: %w", err)
	}

	// After a publish-identity rotation the same manifest goes out under
	// the old pointer once, so peers that have not seen the move yet
	// still find the chunk announcing it. Then the old pointer is left
	// behind.
	prev, err := e.db.GetMeta(db.MetaPrevPublishID)
	if err != nil {
		return err
	}
	if prev != "" && prev != self {
		if err := e.provider.Publish(ctx, prev, addr); err != nil {
			return fmt.Errorf("transition publish: %w", err)
		}
		if err := e.db.SetMeta(db.MetaPrevPublishID, ""); err != nil {
			return err
		}
		e.logger.Info("published under old and new identity, old pointer retired")
	}
	return nil
}

// publishPending seals the pending queue into one chunk and uploads it.
// No pending mutations is the common case and a no-op.
func (e *Engine) publishPending(ctx context.Context, key []byte) error {
	pending, err := e.db.PendingMutations()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	chunk := &manifest.Chunk{
		DeviceID: e.ident.DeviceID,
		FromID:   pending[0].ID,
		ToID:     pending[len(pending)-1].ID,
	}
	ids := make([]int64, 0, len(pending))
	for _, q := range pending {
		chunk.Mutations = append(chunk.Mutations, json.RawMessage(q.Data))
		ids = append(ids, q.ID)
	}

	data, err := manifest.EncodeChunk(chunk, key)
	if err != nil {
		return fmt.Errorf("encode chunk: %w", err)
	}
	addr := crypto.ContentAddress(data)
	if err := e.provider.Upload(ctx, addr, data); err != nil {
		return fmt.Errorf("upload chunk: %w", err)
	}
	if err := e.db.MarkMutationsPublished(ids, addr); err != nil {
		return err
	}
	e.logger.Info("published chunk", "mutations", len(ids), "from", chunk.FromID, "to", chunk.ToID)
	return nil
}

// refreshSnapshot returns the address of a current snapshot export,
// re-exporting when enough mutations accumulated since the last one.
func (e *Engine) refreshSnapshot(ctx context.Context, key []byte) (string, error) {
	addr, err := e.db.GetMeta(db.MetaSnapshotAddress)
	if err != nil {
		return "", err
	}
	sinceStr, err := e.db.GetMeta(db.MetaSnapshotMaxID)
	if err != nil {
		return "", err
	}
	since, _ := strconv.ParseInt(sinceStr, 10, 64)
	latest, err := e.db.LatestMutationID()
	if err != nil {
		return "", err
	}
	if addr != "" && latest-since < snapshotEvery {
		return addr, nil
	}
	return e.exportAndUpload(ctx, key)
}

// exportAndUpload takes a fresh snapshot, uploads it, and records its
// address for reuse by later manifests.
func (e *Engine) exportAndUpload(ctx context.Context, key []byte) (string, error) {
	snap, err := e.ExportSnapshot()
	if err != nil {
		return "", err
	}
	data, err := manifest.EncodeSnapshot(snap, key)
	if err != nil {
		return "", err
	}
	addr := crypto.ContentAddress(data)
	if err := e.provider.Upload(ctx, addr, data); err != nil {
		return "", fmt.Errorf("upload snapshot: %w", err)
	}
	if err := e.db.SetMeta(db.MetaSnapshotAddress, addr); err != nil {
		return "", err
	}
	if err := e.db.SetMeta(db.MetaSnapshotMaxID, strconv.FormatInt(snap.MaxMutationID, 10)); err != nil {
		return "", err
	}
	e.logger.Debug("exported snapshot", "max_id", snap.MaxMutationID)
	return addr, nil
}

func (e *Engine) uploadRingDoc(ctx context.Context, key []byte) (string, error) {
	persons, err := e.db.ListPersons(true)
	if err != nil {
		return "", err
	}
	devices, err := e.db.ListDevices(true)
	if err != nil {
		return "", err
	}
	data, err := manifest.EncodeRingDoc(&manifest.RingDoc{Persons: persons, Devices: devices}, key)
	if err != nil {
		return "", err
	}
	addr := crypto.ContentAddress(data)
	if err := e.provider.Upload(ctx, addr, data); err != nil {
		return "", fmt.Errorf("upload ring doc: %w", err)
	}
	return addr, nil
}

// uploadPeerDirectory publishes every active member's current pointer,
// this device included. Any member's publish is enough for the others to
// learn a moved pointer.
func (e *Engine) uploadPeerDirectory(ctx context.Context, key []byte) (string, error) {
	devices, err := e.db.ListDevices(false)
	if err != nil {
		return "", err
	}
	dir := &manifest.PeerDirectory{Entries: make(map[string]string)}
	for _, d := range devices {
		if d.PublishIdentity != "" {
			dir.Entries[d.DeviceID] = d.PublishIdentity
		}
	}
	data, err := manifest.EncodePeerDirectory(dir, key)
	if err != nil {
		return "", err
	}
	addr := crypto.ContentAddress(data)
	if err := e.provider.Upload(ctx, addr, data); err != nil {
		return "", fmt.Errorf("upload peer directory: %w", err)
	}
	return addr, nil
}
