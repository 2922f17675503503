package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/maren/divvy/internal/manifest"
	"github.com/maren/divvy/internal/models"
	"github.com/maren/divvy/internal/mutation"
	"github.com/maren/divvy/internal/syncconfig"
)

// pullAll syncs from every known peer. Each peer gets its own timeout
// and its own failure accounting; one bad peer never blocks the rest.
func (e *Engine) pullAll(ctx context.Context) error {
	peers, err := e.db.ListPeers()
	if err != nil {
		return err
	}

	var errs error
	timeout := syncconfig.GetPullTimeout()
	for _, p := range peers {
		if p.PublishIdentity == "" {
			// Placeholder row, enrollment has not arrived yet.
			continue
		}
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}

		pctx, cancel := context.WithTimeout(ctx, timeout)
		err := e.pullPeer(pctx, p)
		cancel()
		if err == nil {
			continue
		}
		if errors.Is(err, ErrRemovedFromRing) {
			e.logger.Warn("removed from ring, stopping pull")
			return ErrRemovedFromRing
		}
		failures, ferr := e.db.RecordPeerFailure(p.DeviceID)
		if ferr != nil {
			errs = multierr.Append(errs, ferr)
		}
		e.logger.Warn("pull failed", "peer", p.DeviceID, "failures", failures, "err", err)
		errs = multierr.Append(errs, fmt.Errorf("pull %s: %w", p.DeviceID, err))
	}
	return errs
}

// pullPeer fetches one peer's manifest and merges whatever is new.
func (e *Engine) pullPeer(ctx context.Context, peer models.PeerState) error {
	addr, err := e.provider.Resolve(ctx, peer.PublishIdentity)
	if err != nil {
		return fmt.Errorf("resolve: %w", err)
	}
	raw, err := e.provider.Fetch(ctx, addr)
	if err != nil {
		return fmt.Errorf("fetch manifest: %w", err)
	}
	man, err := manifest.Parse(raw)
	if err != nil {
		e.reportMalformed(peer.DeviceID, "bad_manifest", err)
		return fmt.Errorf("parse manifest: %w", err)
	}

	// Keys before content: after a rotation everything else in this
	// manifest is sealed with a key we only hold once the envelopes are
	// installed.
	if man.KeyEnvelopesAddress != "" {
		if err := e.installEnvelopes(ctx, peer.DeviceID, man.KeyEnvelopesAddress); err != nil {
			e.logger.Warn("install envelopes", "peer", peer.DeviceID, "err", err)
		}
	}

	keys, err := e.broadcastKeys()
	if err != nil {
		return err
	}
	latest, err := man.LatestID(keys)
	if err != nil {
		if errors.Is(err, manifest.ErrNoKey) {
			e.reportMalformed(peer.DeviceID, "undecryptable_manifest", err)
		}
		return fmt.Errorf("open manifest: %w", err)
	}

	cursor := peer.LastSyncedID
	if latest > cursor {
		cursor, err = e.pullChunks(ctx, man, peer, keys)
		if err != nil {
			// Keep whatever ground was gained before recording the
			// failure, so the next cycle resumes past it.
			if cursor > peer.LastSyncedID {
				if serr := e.db.RecordPeerSuccess(peer.DeviceID, cursor); serr != nil {
					e.logger.Warn("advance peer cursor", "peer", peer.DeviceID, "err", serr)
				}
			}
			return err
		}
	}
	if err := e.db.RecordPeerSuccess(peer.DeviceID, cursor); err != nil {
		return err
	}

	if man.DeviceRingAddress != "" && !e.ringSeen[man.DeviceRingAddress] {
		if err := e.enrollFromRingDoc(ctx, man.DeviceRingAddress, keys); err != nil {
			e.logger.Debug("read ring doc", "err", err)
		} else {
			e.ringSeen[man.DeviceRingAddress] = true
		}
	}
	if man.PeerDirectoryAddress != "" && !e.dirSeen[man.PeerDirectoryAddress] {
		if err := e.refreshPeerDirectory(ctx, man.PeerDirectoryAddress, keys); err != nil {
			e.logger.Debug("refresh peer directory", "err", err)
		} else {
			e.dirSeen[man.PeerDirectoryAddress] = true
		}
	}
	return nil
}

// enrollFromRingDoc registers peers for ring members this ledger has
// never pulled from, so a device that joined through some other member
// still becomes reachable. The member's device row is not created here;
// it arrives with their own enrollment mutation on the first pull.
func (e *Engine) enrollFromRingDoc(ctx context.Context, addr string, keys [][]byte) error {
	data, err := e.provider.Fetch(ctx, addr)
	if err != nil {
		return err
	}
	doc, err := manifest.DecodeRingDoc(data, keys)
	if err != nil {
		return err
	}
	for _, d := range doc.Devices {
		if d.DeviceID == e.ident.DeviceID || d.PublishIdentity == "" || d.RemovedAt != nil {
			continue
		}
		known, err := e.db.GetDevice(d.DeviceID)
		if err != nil {
			return err
		}
		if known != nil {
			// Pointer moves for enrolled devices travel in the peer
			// directory, not here.
			continue
		}
		if cur, err := e.db.GetPeer(d.DeviceID); err == nil && cur.PublishIdentity != "" {
			continue
		}
		if err := e.db.UpsertPeer(d.DeviceID, d.PublishIdentity); err != nil {
			return err
		}
		e.logger.Info("new ring member, enrolling peer", "peer", d.DeviceID)
	}
	return nil
}

// pullChunks fetches, decrypts, verifies, and merges every chunk beyond
// the peer's cursor. It returns the new cursor position, which may be
// partial when an error interrupts the walk.
func (e *Engine) pullChunks(ctx context.Context, man *manifest.Manifest,
	peer models.PeerState, keys [][]byte) (int64, error) {
	index, err := man.ChunkIndex(keys)
	if err != nil {
		return peer.LastSyncedID, fmt.Errorf("open chunk index: %w", err)
	}

	cursor := peer.LastSyncedID
	for _, ref := range index {
		if ref.ToID <= cursor {
			continue
		}
		raw, err := e.provider.Fetch(ctx, ref.Address)
		if err != nil {
			return cursor, fmt.Errorf("fetch chunk %d-%d: %w", ref.FromID, ref.ToID, err)
		}
		chunk, err := manifest.DecodeChunk(raw, keys)
		if err != nil {
			e.reportMalformed(peer.DeviceID, "undecryptable_chunk", err)
			return cursor, fmt.Errorf("decrypt chunk %d-%d: %w", ref.FromID, ref.ToID, err)
		}
		if chunk.DeviceID != peer.DeviceID {
			err := fmt.Errorf("chunk authored by %s", chunk.DeviceID)
			e.reportMalformed(peer.DeviceID, "wrong_author", err)
			return cursor, err
		}

		muts := make([]*mutation.Mutation, 0, len(chunk.Mutations))
		for _, data := range chunk.Mutations {
			m, err := mutation.Decode(data)
			if err != nil {
				e.reportMalformed(peer.DeviceID, "undecodable_mutation", err)
				continue
			}
			muts = append(muts, m)
		}

		out, err := e.applier.ApplyBatch(peer.DeviceID, muts)
		if err != nil {
			return cursor, fmt.Errorf("merge chunk %d-%d: %w", ref.FromID, ref.ToID, err)
		}
		res, err := e.ring.HandleRemovals(out)
		if err != nil {
			return cursor, err
		}
		if res.RemovedSelf {
			return cursor, ErrRemovedFromRing
		}
		cursor = ref.ToID
		e.logger.Info("merged chunk", "peer", peer.DeviceID,
			"applied", out.Applied, "duplicates", out.Duplicates,
			"conflicts", out.ConflictsOpened)
	}
	return cursor, nil
}

// installEnvelopes fetches a peer's envelope set once per address and
// installs any keys addressed to this device.
func (e *Engine) installEnvelopes(ctx context.Context, peerID, addr string) error {
	if e.envSeen[peerID] == addr {
		return nil
	}
	data, err := e.provider.Fetch(ctx, addr)
	if err != nil {
		return err
	}
	found, err := e.ring.InstallEnvelopes(data)
	if err != nil {
		return err
	}
	e.envSeen[peerID] = addr
	if found {
		e.logger.Debug("installed key envelopes", "from", peerID)
	}
	return nil
}

// refreshPeerDirectory updates stored peer pointers from a published
// directory. Only devices already known to the ring are touched; ring
// membership itself travels in mutations, not directories.
func (e *Engine) refreshPeerDirectory(ctx context.Context, addr string, keys [][]byte) error {
	data, err := e.provider.Fetch(ctx, addr)
	if err != nil {
		return err
	}
	dir, err := manifest.DecodePeerDirectory(data, keys)
	if err != nil {
		return err
	}
	for id, identity := range dir.Entries {
		if id == e.ident.DeviceID || identity == "" {
			continue
		}
		d, err := e.db.GetDevice(id)
		if err != nil {
			return err
		}
		if d == nil || d.RemovedAt != nil {
			continue
		}
		cur, err := e.db.GetPeer(id)
		if err == nil && cur.PublishIdentity == identity {
			continue
		}
		if err := e.db.UpsertPeer(id, identity); err != nil {
			return err
		}
		e.logger.Info("peer pointer updated from directory", "peer", id)
	}
	return nil
}

// broadcastKeys returns the broadcast key history, newest first, as the
// candidate list for opening sealed documents.
func (e *Engine) broadcastKeys() ([][]byte, error) {
	return broadcastKeysOf(e.db)
}

// reportMalformed records inbound content that failed verification or
// decoding. Reports are diagnostics; failures to store them only log.
func (e *Engine) reportMalformed(peerID, reason string, err error) {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	if rerr := e.db.InsertMalformedReport(peerID, reason, detail); rerr != nil {
		e.logger.Warn("record malformed report", "peer", peerID, "reason", reason, "err", rerr)
	}
}
