package statehistory

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
)

// TieredArtifactStore keeps recently built artifacts in a fast hot store and
// archives them to a slower cold store. Reads fall back to the cold tier and
// promote what they find.
type TieredArtifactStore struct {
	hot          ArtifactStore // local project directory
	cold         ArtifactStore // usually S3
	writeThrough bool
}

// NewTieredArtifactStore creates a two-tier store. With writeThrough set,
// every write also lands in the cold tier.
func NewTieredArtifactStore(hot, cold ArtifactStore, writeThrough bool) *TieredArtifactStore {
	return &TieredArtifactStore{hot: hot, cold: cold, writeThrough: writeThrough}
}

func (t *TieredArtifactStore) Read(ctx context.Context, key string) ([]byte, error) {
	data, err := t.hot.Read(ctx, key)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("hot tier read failed, trying cold tier", "key", key, "err", err)
	}

	data, err = t.cold.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := t.hot.Write(ctx, key, data); err != nil {
		slog.Warn("failed to promote artifact to hot tier", "key", key, "err", err)
	}
	return data, nil
}

func (t *TieredArtifactStore) Write(ctx context.Context, key string, data []byte) error {
	if err := t.hot.Write(ctx, key, data); err != nil {
		return err
	}
	if t.writeThrough {
		if err := t.cold.Write(ctx, key, data); err != nil {
			return fmt.Errorf("cold tier write: %w", err)
		}
	}
	return nil
}

// Archive copies an artifact to the cold tier and drops it from the hot one.
func (t *TieredArtifactStore) Archive(ctx context.Context, key string) error {
	data, err := t.hot.Read(ctx, key)
	if err != nil {
		return err
	}
	if err := t.cold.Write(ctx, key, data); err != nil {
		return fmt.Errorf("cold tier write: %w", err)
	}
	return t.hot.Delete(ctx, key)
}

func (t *TieredArtifactStore) Delete(ctx context.Context, key string) error {
	errHot := t.hot.Delete(ctx, key)
	errCold := t.cold.Delete(ctx, key)
	return errors.Join(errHot, errCold)
}

func (t *TieredArtifactStore) List(ctx context.Context, prefix string) ([]string, error) {
	hotKeys, err := t.hot.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	coldKeys, err := t.cold.List(ctx, prefix)
	if err != nil {
		slog.Warn("cold tier list failed", "prefix", prefix, "err", err)
		return hotKeys, nil
	}

	seen := make(map[string]bool, len(hotKeys))
	for _, k := range hotKeys {
		seen[k] = true
	}
	for _, k := range coldKeys {
		if !seen[k] {
			hotKeys = append(hotKeys, k)
		}
	}
	sort.Strings(hotKeys)
	return hotKeys, nil
}

func (t *TieredArtifactStore) Exists(ctx context.Context, key string) (bool, error) {
	exists, err := t.hot.Exists(ctx, key)
	if err == nil && exists {
		return true, nil
	}
	return t.cold.Exists(ctx, key)
}

func (t *TieredArtifactStore) Close() error {
	return errors.Join(t.hot.Close(), t.cold.Close())
}

var _ ArtifactStore = (*TieredArtifactStore)(nil)
