package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/davidahmann/rotator/core/config"
	coreerrors "github.com/davidahmann/rotator/core/errors"
	"github.com/davidahmann/rotator/core/format"
	"github.com/davidahmann/rotator/core/fsx"
	"github.com/davidahmann/rotator/core/hw"
	"github.com/davidahmann/rotator/core/pipeline"
	schemarotator "github.com/davidahmann/rotator/core/schema/v1/rotator"
	"github.com/davidahmann/rotator/core/session"
	"github.com/davidahmann/rotator/core/simhw"
)

type harnessOptions struct {
	ConfigPath   string
	FaultLogPath string
	LogOutput    io.Writer
}

// harness wires a pipeline to the simulated device and memory pool and
// records faulted and discarded jobs in the fault log.
type harness struct {
	settings config.Settings
	logger   *slog.Logger
	memory   *simhw.Memory
	device   *simhw.Device
	pipeline *pipeline.Pipeline
	faultLog string

	mu          sync.Mutex
	faults      int
	faultLogErr error
}

func newHarness(options harnessOptions) (*harness, error) {
	configPath := strings.TrimSpace(options.ConfigPath)
	allowMissing := configPath == "" || configPath == config.DefaultPath
	if configPath == "" {
		configPath = config.DefaultPath
	}
	configuration, err := config.Load(configPath, allowMissing)
	if err != nil {
		return nil, coreerrors.Invalid(err, "invalid_config", "fix the rotator config file")
	}
	settings, err := configuration.Resolve()
	if err != nil {
		return nil, coreerrors.Invalid(err, "invalid_config", "fix the rotator config file")
	}
	logOutput := options.LogOutput
	if logOutput == nil {
		logOutput = io.Discard
	}
	logger := settings.NewLogger(logOutput)

	memory := simhw.NewMemory()
	device := simhw.NewDevice(memory, simhw.DeviceOptions{Revision: settings.HardwareRevision, Logger: logger})
	h := &harness{
		settings: settings,
		logger:   logger,
		memory:   memory,
		device:   device,
		faultLog: strings.TrimSpace(options.FaultLogPath),
	}
	p, err := pipeline.New(pipeline.Options{
		Settings:   settings,
		Device:     device,
		Mapper:     memory,
		Scratch:    memory,
		OnComplete: h.record,
		Logger:     logger,
	})
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CategoryInternalFailure, "pipeline_init_failed", "", false)
	}
	h.pipeline = p
	p.Start()
	return h, nil
}

func (h *harness) record(completion pipeline.Completion) {
	var kind string
	switch {
	case completion.Faulted:
		kind = "faulted"
	case completion.Discarded:
		kind = "discarded"
	default:
		return
	}
	h.mu.Lock()
	h.faults++
	h.mu.Unlock()
	if h.faultLog == "" {
		return
	}
	err := fsx.AppendJSONL(h.faultLog, schemarotator.FaultRecord{
		SchemaID:        schemarotator.FaultRecordSchemaID,
		SchemaVersion:   schemarotator.SchemaVersion,
		CreatedAt:       time.Now().UTC(),
		ProducerVersion: version,
		CorrelationID:   currentCorrelationID(),
		Kind:            kind,
		JobID:           completion.JobID,
		Session:         completion.Session,
		Sequence:        completion.Sequence,
		Passes:          completion.Passes,
		Status:          completion.Status,
		ErrorCode:       completion.ErrorCode,
		Error:           completion.Error,
	}, 0o600)
	if err != nil {
		h.logger.Warn("fault log write failed", "path", h.faultLog, "error", err)
		h.mu.Lock()
		if h.faultLogErr == nil {
			h.faultLogErr = err
		}
		h.mu.Unlock()
	}
}

// faultCount returns how many faulted or discarded jobs were seen and the
// first fault log write error.
func (h *harness) faultCount() (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.faults, h.faultLogErr
}

func (h *harness) close(ctx context.Context) error {
	h.device.Unstall()
	// a script may end suspended with jobs still queued
	h.pipeline.Resume()
	err := h.pipeline.Close(ctx)
	h.device.Wait()
	if err != nil {
		return coreerrors.Wrap(fmt.Errorf("close pipeline: %w", err), coreerrors.CategoryInternalFailure, "close_timeout", "raise --timeout", true)
	}
	return nil
}

type snapshotDocument struct {
	SchemaID        string            `json:"schema_id"`
	SchemaVersion   string            `json:"schema_version"`
	CreatedAt       time.Time         `json:"created_at"`
	ProducerVersion string            `json:"producer_version"`
	Snapshot        pipeline.Snapshot `json:"snapshot"`
}

// writeSnapshot writes the pipeline snapshot atomically and returns the
// digest of its session section.
func (h *harness) writeSnapshot(path string) (string, error) {
	snapshot, err := h.pipeline.Snapshot()
	if err != nil {
		return "", coreerrors.Wrap(err, coreerrors.CategoryInternalFailure, "snapshot_failed", "", false)
	}
	document := snapshotDocument{
		SchemaID:        schemarotator.SnapshotSchemaID,
		SchemaVersion:   schemarotator.SchemaVersion,
		CreatedAt:       time.Now().UTC(),
		ProducerVersion: version,
		Snapshot:        snapshot,
	}
	if err := fsx.WriteJSONAtomic(path, document, 0o600); err != nil {
		return "", coreerrors.Wrap(err, coreerrors.CategoryIOFailure, "snapshot_write_failed", "check that the snapshot directory exists and is writable", false)
	}
	return snapshot.SessionsDigest, nil
}

// buffers are the source and destination images a session's jobs use.
type buffers struct {
	src hw.MemoryHandle
	dst hw.MemoryHandle
}

// allocate sizes both images from the session geometry and fills the source
// with a pattern derived from seed.
func (h *harness) allocate(current *session.Session, seed int) (buffers, error) {
	g := current.Config.Geometry
	srcLayout, err := format.LayoutOf(g.SrcFormat, g.SrcWidth, g.SrcHeight)
	if err != nil {
		return buffers{}, coreerrors.Invalid(err, coreerrors.CodeInvalidGeometry, "")
	}
	dstLayout, err := format.LayoutOf(current.Derived.DstFormat, current.Derived.DstWidth, current.Derived.DstHeight)
	if err != nil {
		return buffers{}, coreerrors.Invalid(err, coreerrors.CodeInvalidGeometry, "")
	}
	src, err := h.memory.Alloc(srcLayout.Size, current.Config.Secure)
	if err != nil {
		return buffers{}, coreerrors.Wrap(err, coreerrors.CategoryInternalFailure, "alloc_failed", "", false)
	}
	dst, err := h.memory.Alloc(dstLayout.Size, current.Config.Secure)
	if err != nil {
		_ = h.memory.Free(src)
		return buffers{}, coreerrors.Wrap(err, coreerrors.CategoryInternalFailure, "alloc_failed", "", false)
	}
	data, err := h.memory.Bytes(src)
	if err != nil {
		return buffers{}, coreerrors.Wrap(err, coreerrors.CategoryInternalFailure, "alloc_failed", "", false)
	}
	for index := range data {
		data[index] = byte(index*31 + seed*7)
	}
	return buffers{src: src, dst: dst}, nil
}

func (h *harness) free(b buffers) {
	for _, handle := range []hw.MemoryHandle{b.src, b.dst} {
		if handle == 0 {
			continue
		}
		if err := h.memory.Free(handle); err != nil {
			h.logger.Warn("free job buffer", "handle", handle, "error", err)
		}
	}
}

func (h *harness) outputDigest(b buffers) string {
	data, err := h.memory.Bytes(b.dst)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// sessionConfig converts a job file session into a session configuration.
func sessionConfig(spec schemarotator.SessionSpec) (session.Config, error) {
	srcFormat, err := format.ParseFormat(spec.Format)
	if err != nil {
		return session.Config{}, coreerrors.Invalid(err, coreerrors.CodeUnsupportedFormat, "use one of the documented format names")
	}
	rotation, err := format.RotationOf(spec.Rotation, spec.FlipLR, spec.FlipUD)
	if err != nil {
		return session.Config{}, coreerrors.Invalid(err, coreerrors.CodeInvalidGeometry, "rotation must be 0, 90, 180 or 270")
	}
	geometry := format.Geometry{
		SrcWidth:  spec.Width,
		SrcHeight: spec.Height,
		SrcFormat: srcFormat,
		DstWidth:  spec.DstWidth,
		DstHeight: spec.DstHeight,
		DstX:      spec.DstX,
		DstY:      spec.DstY,
		Rotation:  rotation,
		Downscale: spec.Downscale,
	}
	if spec.Rect != nil {
		geometry.SrcRect = image.Rect(spec.Rect.X, spec.Rect.Y, spec.Rect.X+spec.Rect.Width, spec.Rect.Y+spec.Rect.Height)
	}
	return session.Config{Geometry: geometry, Secure: spec.Secure, NoTimeline: spec.NoTimeline}, nil
}
