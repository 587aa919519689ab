package core

// janitor.go removes uploads that were abandoned before completion.
//
// A client that stops sending chunks leaves an upload in pending, uploading
// or failed forever, together with its chunk payloads. The janitor cancels
// such uploads once they have not changed for MaxAge. An upload stuck in
// assembling for that long belonged to a process that died mid-assembly; it
// is marked failed so the next pass can cancel it or a client can resume it.

import (
	"context"
	"log/slog"
	"time"
)

// JanitorConfig controls stale upload cleanup. Zero values get defaults.
type JanitorConfig struct {
	MaxAge    time.Duration // idle time before an upload is stale (default: 24h)
	Interval  time.Duration // time between sweeps (default: 1h)
	BatchSize int           // uploads handled per status per sweep (default: 100)
}

func (c JanitorConfig) withDefaults() JanitorConfig {
	if c.MaxAge <= 0 {
		c.MaxAge = 24 * time.Hour
	}
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Cancelled   int
	Interrupted int
	Skipped     int // stale when listed, active again when deleted
}

// StartJanitor sweeps immediately and then every cfg.Interval until ctx is
// cancelled.
func (s *Service) StartJanitor(ctx context.Context, cfg JanitorConfig) {
	cfg = cfg.withDefaults()
	slog.Info("janitor started",
		"max_age", cfg.MaxAge.String(),
		"interval", cfg.Interval.String(),
		"batch_size", cfg.BatchSize,
	)

	s.runSweep(ctx, cfg)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("janitor stopped")
			return
		case <-ticker.C:
			s.runSweep(ctx, cfg)
		}
	}
}

func (s *Service) runSweep(ctx context.Context, cfg JanitorConfig) {
	start := time.Now()
	res, err := s.SweepStaleUploads(ctx, cfg)
	if err != nil {
		slog.Error("janitor sweep failed", "error", err)
		return
	}
	slog.Info("janitor sweep completed",
		"cancelled", res.Cancelled,
		"interrupted", res.Interrupted,
		"skipped", res.Skipped,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// SweepStaleUploads runs one cleanup pass.
func (s *Service) SweepStaleUploads(ctx context.Context, cfg JanitorConfig) (SweepResult, error) {
	cfg = cfg.withDefaults()
	cutoff := s.now().Add(-cfg.MaxAge)
	var res SweepResult

	stuck, err := s.repo.ListStaleUploads(ctx, cutoff, []Status{StatusAssembling}, cfg.BatchSize)
	if err != nil {
		return res, err
	}
	for _, u := range stuck {
		_, err := s.repo.TransitionStatus(ctx, u.ID, []Status{StatusAssembling}, StatusFailed, StatusUpdate{
			FailureReason: "assembly interrupted",
		})
		if err != nil {
			slog.Warn("janitor could not reset assembly", "upload_id", u.ID, "error", err)
			continue
		}
		s.logAudit(ctx, AuditLogParams{
			Action:   ActionAssemblyInterrupted,
			UploadID: u.ID,
			Reason:   "assembly interrupted",
		})
		res.Interrupted++
	}

	stale, err := s.repo.ListStaleUploads(ctx, cutoff,
		[]Status{StatusPending, StatusUploading, StatusFailed}, cfg.BatchSize)
	if err != nil {
		return res, err
	}
	for _, u := range stale {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		id := u.ID
		ok, err := s.removeUpload(ctx, "sweep stale upload", id, func() (*Upload, []Variant, error) {
			return s.repo.DeleteUpload(ctx, id, cutoff)
		})
		switch {
		case KindOf(err) == KindConflict:
			// Touched by a client, or assembling, since it was listed.
			res.Skipped++
		case err != nil:
			slog.Warn("janitor could not cancel upload", "upload_id", id, "error", err)
		case ok:
			res.Cancelled++
		}
	}

	return res, nil
}
