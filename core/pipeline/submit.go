package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/google/uuid"

	"github.com/davidahmann/rotator/core/commitq"
	coreerrors "github.com/davidahmann/rotator/core/errors"
	"github.com/davidahmann/rotator/core/fence"
	"github.com/davidahmann/rotator/core/format"
	"github.com/davidahmann/rotator/core/hw"
	"github.com/davidahmann/rotator/core/session"
)

type JobRequest struct {
	Session session.Handle
	Src     hw.BufferRef
	Dst     hw.BufferRef
	// WaitForCompletion makes SubmitJob return only once every submitted job
	// is retired.
	WaitForCompletion bool
}

type Job struct {
	ID       string
	Session  session.Handle
	Sequence uint64
}

// entry is a prepared job. It is not modified once it is queued.
type entry struct {
	id        string
	session   *session.Session
	sequence  uint64
	acquire   fence.Fence
	timeline  *fence.Timeline
	src       *hw.MappedBuffer
	dst       *hw.MappedBuffer
	scratch   *hw.MappedBuffer
	submitted time.Time
}

// SubmitJob prepares a job for the session and queues it. Validation errors
// are returned before anything is queued. A Busy error means the queue was
// reset after the enqueue timeout: this job and every job still queued were
// discarded and their release fences are signaled by the worker.
func (p *Pipeline) SubmitJob(ctx context.Context, request JobRequest) (Job, error) {
	if p.closed.Load() {
		return Job{}, closedError()
	}
	current, err := p.sessions.Lookup(request.Session)
	if err != nil {
		return Job{}, err
	}
	if !current.Configured() {
		return Job{}, coreerrors.Invalid(
			fmt.Errorf("%w: %s", session.ErrSessionNotConfigured, request.Session),
			coreerrors.CodeSessionNotConfigured,
			"start the session with a valid geometry first",
		)
	}
	e, err := p.prepare(current, request)
	if err != nil {
		return Job{}, err
	}
	job := Job{ID: e.id, Session: current.Handle, Sequence: e.sequence}

	if err := p.queue.Enqueue(ctx, e); err != nil {
		switch {
		case errors.Is(err, commitq.ErrClosed):
			p.retire(e)
			return Job{}, closedError()
		case errors.Is(err, commitq.ErrBusy):
			p.count(func(stats *Stats) { stats.BusyRejects++ })
			return Job{}, err
		default:
			return Job{}, fmt.Errorf("enqueue job %s: %w", e.id, err)
		}
	}
	p.count(func(stats *Stats) { stats.Submitted++ })
	p.logger.Debug("job queued", "job_id", e.id, "session", current.Handle.String(), "sequence", e.sequence)

	if request.WaitForCompletion {
		if err := p.queue.DrainWait(ctx, commitq.DrainAll); err != nil {
			return job, fmt.Errorf("wait for job %s: %w", e.id, err)
		}
	}
	return job, nil
}

// prepare resolves the job's buffers against the session geometry. Every
// mapping taken so far is released when a later step fails.
func (p *Pipeline) prepare(current *session.Session, request JobRequest) (*entry, error) {
	g := current.Config.Geometry
	derived := current.Derived
	secure := current.Config.Secure

	srcLayout, err := format.LayoutOf(g.SrcFormat, g.SrcWidth, g.SrcHeight)
	if err != nil {
		return nil, coreerrors.Invalid(err, coreerrors.CodeInvalidGeometry, "")
	}
	dstLayout, err := format.LayoutOf(derived.DstFormat, derived.DstWidth, derived.DstHeight)
	if err != nil {
		return nil, coreerrors.Invalid(err, coreerrors.CodeInvalidGeometry, "")
	}

	src, err := hw.Map(p.mapper, request.Src, secure, srcLayout.Size)
	if err != nil {
		return nil, bufferError("source", err)
	}
	dst, err := hw.Map(p.mapper, request.Dst, secure, dstLayout.Size)
	if err != nil {
		_ = src.Release()
		return nil, bufferError("destination", err)
	}
	var scratch *hw.MappedBuffer
	if derived.TwoPass {
		scratch, err = hw.Map(p.mapper, hw.BufferRef{Handle: current.Scratch}, secure, current.ScratchSize)
		if err != nil {
			_ = hw.ReleaseAll(src, dst)
			return nil, coreerrors.Wrap(
				fmt.Errorf("map scratch buffer of %s: %w", current.Handle, err),
				coreerrors.CategoryInternalFailure,
				"scratch_unavailable",
				"restart the session",
				false,
			)
		}
	}

	state := current.Sync()
	e := &entry{
		id:        uuid.NewString(),
		session:   current,
		sequence:  current.NextSequence(),
		acquire:   state.TakeAcquire(),
		src:       src,
		dst:       dst,
		scratch:   scratch,
		submitted: time.Now(),
	}
	if timeline, err := state.Timeline(); err == nil {
		e.timeline = timeline
		timeline.JobSubmitted()
	}
	return e, nil
}

func bufferError(which string, err error) error {
	wrapped := fmt.Errorf("%s buffer: %w", which, err)
	if errors.Is(err, hw.ErrBufferRange) {
		return coreerrors.Invalid(wrapped, coreerrors.CodeBufferRange, "pass a buffer large enough for the session geometry")
	}
	return coreerrors.Invalid(wrapped, coreerrors.CodeInvalidBuffer, "pass a live memory handle")
}

// passes turns the entry into hardware passes. A two-pass job scales into
// the session scratch buffer first and rotates out of it second.
func (e *entry) passes(useImem bool) []hw.PassConfig {
	g := e.session.Config.Geometry
	derived := e.session.Derived
	tag := uint32(e.sequence)
	src := hw.Image{Format: g.SrcFormat, Width: g.SrcWidth, Height: g.SrcHeight, Addr: e.src.Addr()}
	dst := hw.Image{Format: derived.DstFormat, Width: derived.DstWidth, Height: derived.DstHeight, Addr: e.dst.Addr()}
	if !derived.TwoPass {
		return []hw.PassConfig{{
			Src:       src,
			SrcRect:   derived.SrcRect,
			Dst:       dst,
			DstOrigin: derived.DstRect.Min,
			Rotation:  g.Rotation,
			Downscale: g.Downscale,
			Imem:      useImem,
			Tag:       tag,
		}}
	}
	intermediate := hw.Image{
		Format: derived.IntermediateFormat,
		Width:  derived.Scaled.X,
		Height: derived.Scaled.Y,
		Addr:   e.scratch.Addr(),
	}
	return []hw.PassConfig{
		{
			Src:       src,
			SrcRect:   derived.SrcRect,
			Dst:       intermediate,
			Downscale: g.Downscale,
			Imem:      useImem,
			Tag:       tag,
		},
		{
			Src:       intermediate,
			SrcRect:   image.Rectangle{Max: derived.Scaled},
			Dst:       dst,
			DstOrigin: derived.DstRect.Min,
			Rotation:  g.Rotation,
			Imem:      useImem,
			Tag:       tag,
		},
	}
}

func (e *entry) completion() Completion {
	return Completion{
		JobID:    e.id,
		Session:  e.session.Handle.String(),
		Sequence: e.sequence,
		TwoPass:  e.session.Derived.TwoPass,
	}
}
