package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/polyfetch/polyfetch/config"
	"github.com/polyfetch/polyfetch/internal/coordinator"
	"github.com/polyfetch/polyfetch/internal/descriptor"
	"github.com/polyfetch/polyfetch/internal/events"
	"github.com/polyfetch/polyfetch/internal/reputation"
	"github.com/polyfetch/polyfetch/internal/resume"
	"github.com/polyfetch/polyfetch/internal/scheduler"
	"github.com/polyfetch/polyfetch/internal/seeder"
	"github.com/polyfetch/polyfetch/internal/transport"
	"github.com/polyfetch/polyfetch/pkg/env"
	"github.com/polyfetch/polyfetch/pkg/logging"
)

func main() {

	env.LoadEnv()
	logging.InitLogger(true)
	config.LoadConfig(".")

	app := &cli.App{
		Name:  "polyfetch",
		Usage: "A multi-source P2P download coordinator",
		Commands: []*cli.Command{
			{
				Name:    "get",
				Aliases: []string{"g"},
				Usage:   "Download a file by its content hash",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "registry", Usage: "Registry node base URL", Required: true},
					&cli.StringFlag{Name: "out", Usage: "Output path", Required: true},
					&cli.StringFlag{Name: "password", Usage: "Decryption password for encrypted files"},
				},
				ArgsUsage: "<file-hash>",
				Action:    runGet,
			},
			{
				Name:   "resume",
				Usage:  "Resume interrupted downloads from their snapshots",
				Action: runResume,
			},
			{
				Name:   "sessions",
				Usage:  "List persisted download sessions",
				Action: runSessions,
			},
			{
				Name:    "serve",
				Aliases: []string{"s"},
				Usage:   "Seed local files over HTTP",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "file", Usage: "File to seed (repeatable)"},
					&cli.BoolFlag{Name: "compress", Usage: "lz4-compress chunk payloads on the wire"},
				},
				Action: runServe,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logging.Log.Fatal(err)
	}
}

// openCoordinator wires the stores, reputation engine, transports and the
// coordinator from the loaded configuration.
func openCoordinator(resolver descriptor.Resolver) (*coordinator.Coordinator, func(), error) {
	cfg := config.Config

	repStore, err := reputation.OpenStore(cfg.ReputationDBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open reputation store: %v", err)
	}
	snapStore, err := resume.OpenStore(cfg.ResumeDBPath)
	if err != nil {
		repStore.Close()
		return nil, nil, fmt.Errorf("failed to open resume store: %v", err)
	}

	engine := reputation.NewEngine(reputation.Options{
		ReferenceBandwidthBps: cfg.ReferenceBandwidthBps,
		DecayRate:             cfg.DecayRate,
		ScoreFloor:            cfg.ScoreFloor,
	}, repStore)

	registry := transport.NewRegistry()
	registry.Register(transport.NewHTTPTransport())

	coord := coordinator.New(coordinator.Config{
		MaxConcurrentDownloads: cfg.MaxConcurrentDownloads,
		SnapshotMaxAge:         time.Duration(cfg.SnapshotMaxAgeHours) * time.Hour,
		Session: scheduler.Config{
			MaxPeers:      cfg.MaxPeers,
			MinTrust:      cfg.MinTrustScore,
			MaxRetries:    cfg.MaxRetries,
			PerPeerWindow: cfg.PerPeerWindow,
			FetchTimeout:  time.Duration(cfg.FetchTimeoutSeconds) * time.Second,
			SnapshotEvery: cfg.SnapshotEveryChunks,
			ProgressTick:  time.Duration(cfg.ProgressTickMs) * time.Millisecond,
			StagingDir:    cfg.StoragePath,
		},
	}, resolver, registry, engine, snapStore)

	cleanup := func() {
		coord.Close()
		snapStore.Close()
		repStore.Close()
	}
	return coord, cleanup, nil
}

func runGet(c *cli.Context) error {
	fileHash := c.Args().First()
	if fileHash == "" {
		return fmt.Errorf("file hash argument is required")
	}

	resolver := descriptor.NewHTTPResolver(c.String("registry"))
	coord, cleanup, err := openCoordinator(resolver)
	if err != nil {
		return err
	}
	defer cleanup()

	stream, unsubscribe := coord.Subscribe()
	defer unsubscribe()

	sess, err := coord.Download(context.Background(), fileHash, c.String("out"), c.String("password"))
	if err != nil {
		return err
	}
	logging.Log.Infof("⬇️ Download started for %s", logging.ShortHash(fileHash))

	return waitForSession(sess, stream)
}

func runResume(c *cli.Context) error {
	resolver := descriptor.NewStaticResolver()
	coord, cleanup, err := openCoordinator(resolver)
	if err != nil {
		return err
	}
	defer cleanup()

	restored, err := coord.RestoreSessions()
	if err != nil {
		return err
	}
	if len(restored) == 0 {
		logging.Log.Info("ℹ️ No resumable sessions found")
		return nil
	}

	stream, unsubscribe := coord.Subscribe()
	defer unsubscribe()

	for _, sess := range restored {
		logging.Log.Infof("▶️ Resuming %s (%.1f%% done)",
			logging.ShortHash(sess.FileHash()), progressPercent(sess))
		if err := coord.Resume(sess.FileHash()); err != nil {
			return err
		}
	}
	for _, sess := range restored {
		if err := waitForSession(sess, stream); err != nil {
			logging.Log.Errorf("❌ %s: %v", logging.ShortHash(sess.FileHash()), err)
		}
	}
	return nil
}

func runSessions(c *cli.Context) error {
	cfg := config.Config
	snapStore, err := resume.OpenStore(cfg.ResumeDBPath)
	if err != nil {
		return fmt.Errorf("failed to open resume store: %v", err)
	}
	defer snapStore.Close()

	snapshots, err := snapStore.LoadFresh(time.Duration(cfg.SnapshotMaxAgeHours) * time.Hour)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		logging.Log.Info("ℹ️ No persisted sessions")
		return nil
	}
	for _, snap := range snapshots {
		total := 0
		if snap.Descriptor != nil {
			total = snap.Descriptor.NumChunks
		}
		logging.Log.Infof("📦 %s → %s (%d/%d chunks)",
			logging.ShortHash(snap.FileHash), snap.OutputPath, snap.CompletedChunks(), total)
	}
	return nil
}

func runServe(c *cli.Context) error {
	cfg := config.Config

	catalog := seeder.NewCatalog()
	advertiseAddr := fmt.Sprintf("http://localhost:%d", cfg.Port)
	for _, path := range c.StringSlice("file") {
		fd, err := catalog.Seed(path, cfg.NodeID, advertiseAddr)
		if err != nil {
			return fmt.Errorf("failed to seed %s: %v", path, err)
		}
		logging.Log.Infof("🌱 Seeding %s as %s (%d chunks)", path, logging.ShortHash(fd.FileHash), fd.NumChunks)
	}

	server := seeder.NewServer(catalog, cfg.Port, c.Bool("compress"))
	return server.Start()
}

// waitForSession blocks until the session reaches a terminal state,
// printing progress along the way. The status poll covers sessions that
// finished while the stream was being drained for another session.
func waitForSession(sess *scheduler.Session, stream <-chan events.Event) error {
	fileHash := sess.FileHash()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case ev, open := <-stream:
			if !open {
				return nil
			}
			switch e := ev.(type) {
			case events.ProgressUpdate:
				if e.FileHash != fileHash {
					continue
				}
				logging.Log.Infof("⏳ %s: %d/%d chunks, %.0f B/s, %d sources",
					logging.ShortHash(fileHash), e.CompletedChunks, e.TotalChunks, e.SpeedBps, e.ActiveSources)
			case events.DownloadCompleted:
				if e.FileHash != fileHash {
					continue
				}
				logging.Log.Infof("✅ Download complete: %s", e.OutputPath)
				return nil
			case events.DownloadFailed:
				if e.FileHash != fileHash {
					continue
				}
				return fmt.Errorf("download failed: %s", e.Error)
			case events.PaymentDue:
				if e.FileHash != fileHash {
					continue
				}
				logging.Log.Infof("💰 Payment due to %s for %d bytes", e.PeerID, e.Bytes)
			}
		case <-ticker.C:
			switch sess.Status() {
			case scheduler.StatusCompleted:
				return nil
			case scheduler.StatusFailed, scheduler.StatusCanceled:
				return fmt.Errorf("session ended as %s", sess.Status())
			}
		}
	}
}

func progressPercent(sess *scheduler.Session) float64 {
	p := sess.Progress()
	if p.TotalChunks == 0 {
		return 0
	}
	return float64(p.CompletedChunks) / float64(p.TotalChunks) * 100
}
