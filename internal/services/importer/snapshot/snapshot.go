// Package snapshot persists in flight report requests per queue item and the
// per entity IdVault on an object store
package snapshot

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	perr "adlake/internal/platform/errors"
	"adlake/internal/platform/logger"
	"adlake/internal/platform/objectstore"
	"adlake/internal/services/importer/domain"
)

const (
	snapshotPrefix = "snapshots/"
	vaultPrefix    = "idvault/"
	version        = 1
)

type envelope struct {
	Version  int             `json:"version"`
	ItemID   string          `json:"item_id"`
	SavedAt  time.Time       `json:"saved_at"`
	Requests domain.Requests `json:"requests"`
}

// Store implements domain.SnapshotStore
type Store struct {
	os  objectstore.Store
	now func() time.Time
}

// NewStore wraps an object store
func NewStore(os objectstore.Store) *Store { return &Store{os: os, now: time.Now} }

// Key is the object key of an item's snapshot
func Key(itemID string) string { return snapshotPrefix + url.PathEscape(itemID) + ".json" }

// Save writes a deep copy of reqs
func (s *Store) Save(ctx context.Context, itemID string, reqs domain.Requests) error {
	b, err := json.Marshal(envelope{Version: version, ItemID: itemID, SavedAt: s.now().UTC(), Requests: reqs.Clone()})
	if err != nil {
		return perr.Wrapf(err, perr.ErrorCodeJSON, "snapshot encode %s", itemID)
	}
	if err := s.os.Put(ctx, Key(itemID), b); err != nil {
		return err
	}
	logger.C(ctx).Debug().Str("key", Key(itemID)).Int("requests", len(reqs)).Msg("snapshot saved")
	return nil
}

// Load returns the saved requests and whether a snapshot existed
func (s *Store) Load(ctx context.Context, itemID string) (domain.Requests, bool, error) {
	b, err := s.os.Get(ctx, Key(itemID))
	if objectstore.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, false, perr.Wrapf(err, perr.ErrorCodeJSON, "snapshot decode %s", itemID)
	}
	if env.Version != version {
		return nil, false, perr.Newf(perr.ErrorCodeInvalidArgument, "snapshot %s has version %d", itemID, env.Version)
	}
	return env.Requests, true, nil
}

// Clear removes the snapshot; a missing one is fine
func (s *Store) Clear(ctx context.Context, itemID string) error {
	return s.os.Delete(ctx, Key(itemID))
}

// Vault implements domain.IDVault
type Vault struct {
	os objectstore.Store
}

// NewVault wraps an object store
func NewVault(os objectstore.Store) *Vault { return &Vault{os: os} }

// VaultKey is the object key of an entity's vault entry
func VaultKey(entityID string) string { return vaultPrefix + url.PathEscape(entityID) + ".json" }

// Load returns the entry, or an empty one for a new entity
func (v *Vault) Load(ctx context.Context, entityID string) (domain.VaultEntry, error) {
	b, err := v.os.Get(ctx, VaultKey(entityID))
	if objectstore.IsNotFound(err) {
		return domain.VaultEntry{EntityID: entityID, Levels: map[string][]string{}}, nil
	}
	if err != nil {
		return domain.VaultEntry{}, err
	}
	var e domain.VaultEntry
	if err := json.Unmarshal(b, &e); err != nil {
		return domain.VaultEntry{}, perr.Wrapf(err, perr.ErrorCodeJSON, "idvault decode %s", entityID)
	}
	if e.Levels == nil {
		e.Levels = map[string][]string{}
	}
	return e, nil
}

// Save replaces the entry
func (v *Vault) Save(ctx context.Context, e domain.VaultEntry) error {
	if e.EntityID == "" {
		return perr.InvalidArgf("idvault: entity id is required")
	}
	b, err := json.Marshal(e)
	if err != nil {
		return perr.Wrapf(err, perr.ErrorCodeJSON, "idvault encode %s", e.EntityID)
	}
	return v.os.Put(ctx, VaultKey(e.EntityID), b)
}
