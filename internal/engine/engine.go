// Package engine wires a loaded configuration into the running set of
// stores (manifest, remote, block store) and the higher-level engines
// (snapshot, restore, compactor) that operate on them, so each CLI
// subcommand builds its world with one call.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vaultback/vaultback/internal/blockstore"
	"github.com/vaultback/vaultback/internal/compactor"
	"github.com/vaultback/vaultback/internal/config"
	"github.com/vaultback/vaultback/internal/crypto"
	"github.com/vaultback/vaultback/internal/manifest"
	"github.com/vaultback/vaultback/internal/metrics"
	"github.com/vaultback/vaultback/internal/remote"
	"github.com/vaultback/vaultback/internal/remote/s3"
	"github.com/vaultback/vaultback/internal/restore"
	"github.com/vaultback/vaultback/internal/snapshot"
	"github.com/vaultback/vaultback/internal/splitter"
	"github.com/vaultback/vaultback/internal/vaulterr"
	"github.com/vaultback/vaultback/internal/verify"
)

// Stack holds every component one vaultback invocation needs, built from a
// single loaded Config. Close releases the manifest database connection.
type Stack struct {
	Config   *config.Config
	Manifest *manifest.Store
	Remote   remote.Store
	Blocks   *blockstore.Store
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
}

// Build constructs a Stack from cfg. It registers metrics against a private
// prometheus.Registry rather than prometheus.DefaultRegisterer so repeated
// CLI invocations within one test process never collide on metric names.
func Build(ctx context.Context, cfg *config.Config) (*Stack, error) {
	master, err := cfg.MasterKey()
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}

	manifestStore, err := manifest.Open(manifest.Config{
		Type: manifest.DatabaseSQLite,
		Path: cfg.ManifestPath,
	})
	if err != nil {
		return nil, fmt.Errorf("open manifest database: %w", err)
	}

	remoteStore, err := s3.NewFromConfig(ctx, s3.Config{
		Bucket:          cfg.BucketName,
		Region:          cfg.Region,
		Endpoint:        cfg.Endpoint,
		ForcePathStyle:  true,
		RequestTimeout:  cfg.RequestTimeout,
		AccessKeyID:     cfg.AppKeyID,
		SecretAccessKey: cfg.AppKey,
	})
	if err != nil {
		_ = manifestStore.Close()
		return nil, fmt.Errorf("build remote store: %w", err)
	}

	if err := manifest.Reconstruct(ctx, manifestStore, remoteStore, master); err != nil {
		_ = manifestStore.Close()
		return nil, fmt.Errorf("reconstruct manifest from remote: %w", err)
	}

	if err := keyPreflight(ctx, manifestStore, remoteStore, master); err != nil {
		_ = manifestStore.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	blocks := blockstore.NewWithMetrics(blockstore.Config{
		MinArchiveLen:    uint64(cfg.MinArchiveLen),
		CompressionLevel: int(cfg.CompressionLevel),
		CacheBudget:      uint64(cfg.CacheBudget),
	}, manifestStore, remoteStore, master, m)

	return &Stack{
		Config:   cfg,
		Manifest: manifestStore,
		Remote:   remoteStore,
		Blocks:   blocks,
		Metrics:  m,
		Registry: reg,
	}, nil
}

// keyPreflight trial-decrypts the newest reachable archive's envelope so a
// master key that changed since that archive was written is rejected at
// startup, before any command writes objects the old key can't read back.
// A manifest with no archives, or one whose newest archive object has
// already been reclaimed remotely, passes trivially.
func keyPreflight(ctx context.Context, manifestStore *manifest.Store, remoteStore remote.Store, master crypto.MasterKey) error {
	archives, err := manifestStore.AllArchives(ctx)
	if err != nil {
		return err
	}
	if len(archives) == 0 {
		return nil
	}
	newest := archives[len(archives)-1]

	envelope, err := remoteStore.Get(ctx, newest.ObjectName)
	if err != nil {
		if errors.Is(err, vaulterr.ErrObjectNotFound) {
			return nil
		}
		return vaulterr.New(vaulterr.KindRemote, "engine.keyPreflight", err)
	}

	subkey := crypto.DeriveSubkey(master, crypto.DomainArchive)
	if _, err := crypto.Open(subkey, []byte(newest.ObjectName), envelope); err != nil {
		return vaulterr.Wrap(vaulterr.KindConfig, "engine.keyPreflight",
			"archive %d failed trial decryption under the configured master key; the key has likely changed since that archive was written", newest.ID)
	}
	return nil
}

// Close releases the manifest database connection.
func (s *Stack) Close() error {
	return s.Manifest.Close()
}

func (s *Stack) masterKey() (crypto.MasterKey, error) {
	return s.Config.MasterKey()
}

// SnapshotEngine constructs a snapshot.Engine from the stack's components.
func (s *Stack) SnapshotEngine() (*snapshot.Engine, error) {
	master, err := s.masterKey()
	if err != nil {
		return nil, err
	}
	return snapshot.NewWithMetrics(snapshot.Config{
		Includes:         s.Config.Includes,
		Excludes:         s.Config.Excludes,
		KeepDeletedFiles: s.Config.KeepDeletedFiles,
		NumThreads:       int(s.Config.NumThreads),
		SplitParams:      splitter.DefaultParams(),
	}, s.Manifest, s.Blocks, s.Remote, master, s.Metrics), nil
}

// RestoreEngine constructs a restore.Engine from the stack's components.
func (s *Stack) RestoreEngine() *restore.Engine {
	return restore.New(s.Manifest, s.Blocks)
}

// VerifyEngine constructs a verify.Engine from the stack's components.
func (s *Stack) VerifyEngine() *verify.Engine {
	return verify.New(s.Manifest, s.Blocks)
}

// CompactorEngine constructs a compactor.Engine from the stack's components.
func (s *Stack) CompactorEngine() (*compactor.Engine, error) {
	master, err := s.masterKey()
	if err != nil {
		return nil, err
	}
	return compactor.NewWithMetrics(compactor.Config{
		MinArchiveLen:           uint64(s.Config.MinArchiveLen),
		StaleRatioThreshold:     0.5,
		SmallArchivesUpperLimit: s.Config.SmallArchivesUpperLimit,
		SmallArchivesLowerLimit: s.Config.SmallArchivesLowerLimit,
		SmallPatchsetsLimit:     s.Config.SmallPatchsetsLimit,
		MaxManifestLen:          uint64(s.Config.MaxManifestLen),
	}, s.Manifest, s.Blocks, s.Remote, master, s.Metrics), nil
}
