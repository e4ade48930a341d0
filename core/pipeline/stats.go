package pipeline

import (
	"fmt"

	"github.com/davidahmann/rotator/core/commitq"
	"github.com/davidahmann/rotator/core/hw"
	"github.com/davidahmann/rotator/core/imem"
	"github.com/davidahmann/rotator/core/jcs"
	"github.com/davidahmann/rotator/core/power"
)

// Completion is the record of one retired job. Exactly one of the outcomes
// applies: dispatched (possibly Faulted), Discarded or Skipped.
type Completion struct {
	JobID         string `json:"job_id"`
	Session       string `json:"session"`
	Sequence      uint64 `json:"sequence"`
	TwoPass       bool   `json:"two_pass"`
	Passes        int    `json:"passes"`
	Faulted       bool   `json:"faulted"`
	Status        string `json:"status,omitempty"`
	ErrorCode     string `json:"error_code,omitempty"`
	Error         string `json:"error,omitempty"`
	Discarded     bool   `json:"discarded"`
	Skipped       bool   `json:"skipped"`
	FenceTimedOut bool   `json:"fence_timed_out"`
	ImemUsed      bool   `json:"imem_used"`
	DurationMS    int64  `json:"duration_ms"`
}

type Stats struct {
	Submitted        uint64            `json:"submitted"`
	Completed        uint64            `json:"completed"`
	HardwareFaults   uint64            `json:"hardware_faults"`
	AccountingFaults uint64            `json:"accounting_faults"`
	BusyRejects      uint64            `json:"busy_rejects"`
	Discarded        uint64            `json:"discarded"`
	Skipped          uint64            `json:"skipped"`
	TwoPassJobs      uint64            `json:"two_pass_jobs"`
	ImemMisses       uint64            `json:"imem_misses"`
	FenceTimeouts    uint64            `json:"fence_timeouts"`
	WorkerState      string            `json:"worker_state"`
	Sessions         int               `json:"sessions"`
	Queue            commitq.Stats     `json:"queue"`
	CorePower        power.DomainStats `json:"core_power"`
	ImemPower        power.DomainStats `json:"imem_power"`
	Imem             imem.Stats        `json:"imem"`
}

func (p *Pipeline) count(update func(stats *Stats)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	update(&p.stats)
}

func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	stats := p.stats
	p.mu.Unlock()
	stats.WorkerState = p.WorkerState().String()
	stats.Sessions = p.sessions.Len()
	stats.Queue = p.queue.Stats()
	stats.CorePower = p.power.Stats(hw.DomainCore)
	stats.ImemPower = p.power.Stats(hw.DomainImem)
	stats.Imem = p.imem.Stats()
	return stats
}

type SessionSnapshot struct {
	Handle         string `json:"handle"`
	Configured     bool   `json:"configured"`
	SrcFormat      string `json:"src_format"`
	SrcWidth       int    `json:"src_width"`
	SrcHeight      int    `json:"src_height"`
	DstFormat      string `json:"dst_format"`
	DstWidth       int    `json:"dst_width"`
	DstHeight      int    `json:"dst_height"`
	Rotation       string `json:"rotation"`
	Downscale      int    `json:"downscale"`
	Secure         bool   `json:"secure"`
	FastPath       bool   `json:"fast_path"`
	TwoPass        bool   `json:"two_pass"`
	ConfigDigest   string `json:"config_digest"`
	HasTimeline    bool   `json:"has_timeline"`
	TimelineValue  uint64 `json:"timeline_value"`
	Outstanding    uint64 `json:"outstanding"`
	AcquirePending bool   `json:"acquire_pending"`
}

type Snapshot struct {
	Sessions       []SessionSnapshot `json:"sessions"`
	SessionsDigest string            `json:"sessions_digest"`
	Stats          Stats             `json:"stats"`
}

// Snapshot reports every live session and the pipeline counters. The session
// section carries a canonical JSON digest so two snapshots can be compared
// without diffing them.
func (p *Pipeline) Snapshot() (Snapshot, error) {
	live := p.sessions.Live()
	sessions := make([]SessionSnapshot, 0, len(live))
	for _, current := range live {
		g := current.Config.Geometry
		view := SessionSnapshot{
			Handle:       current.Handle.String(),
			Configured:   current.Configured(),
			SrcFormat:    g.SrcFormat.String(),
			SrcWidth:     g.SrcWidth,
			SrcHeight:    g.SrcHeight,
			DstFormat:    current.Derived.DstFormat.String(),
			DstWidth:     current.Derived.DstWidth,
			DstHeight:    current.Derived.DstHeight,
			Rotation:     g.Rotation.String(),
			Downscale:    g.Downscale,
			Secure:       current.Config.Secure,
			FastPath:     current.Derived.FastPath,
			TwoPass:      current.Derived.TwoPass,
			ConfigDigest: current.Digest,
		}
		state := current.Sync()
		view.AcquirePending = state.HasAcquire()
		if timeline, err := state.Timeline(); err == nil {
			view.HasTimeline = true
			view.TimelineValue = timeline.Value()
			view.Outstanding = timeline.Outstanding()
		}
		sessions = append(sessions, view)
	}
	digest, err := jcs.DigestValue(sessions)
	if err != nil {
		return Snapshot{}, fmt.Errorf("digest session snapshot: %w", err)
	}
	return Snapshot{Sessions: sessions, SessionsDigest: digest, Stats: p.Stats()}, nil
}
