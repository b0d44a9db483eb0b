// Package record captures an output stream into a local chunk buffer and
// uploads the concatenated blob on stop.
package record

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/proctorlink/proctorlink/internal/core"
	"github.com/proctorlink/proctorlink/internal/domain"
)

// ChunkSource yields one media chunk per slice interval. The interviewer's
// recorder observes the composited/relayed view, not the raw capture.
type ChunkSource func(ctx context.Context) ([]byte, error)

// Recorder implements core.Recorder: a two-state machine, idle ⇄ recording.
type Recorder struct {
	session domain.SessionID
	name    string
	slice   time.Duration

	source ChunkSource
	store  core.SessionLog
	sink   core.EventSink

	mu        sync.Mutex
	recording bool
	chunks    [][]byte
	cancel    context.CancelFunc
	loopDone  chan struct{}
}

var _ core.Recorder = (*Recorder)(nil)

func NewRecorder(
	sid domain.SessionID,
	name string,
	slice time.Duration,
	source ChunkSource,
	store core.SessionLog,
	sink core.EventSink,
) *Recorder {
	if slice <= 0 {
		slice = 200 * time.Millisecond
	}
	return &Recorder{
		session: sid,
		name:    name,
		slice:   slice,
		source:  source,
		store:   store,
		sink:    sink,
	}
}

func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Start begins buffering chunks. Starting while already recording is a no-op.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.recording {
		r.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.recording = true
	r.chunks = nil
	r.cancel = cancel
	r.loopDone = make(chan struct{})
	done := r.loopDone
	r.mu.Unlock()

	go r.captureLoop(loopCtx, done)

	r.sink.Publish(domain.IntegrityEvent{
		SessionID: r.session,
		Role:      domain.RoleInterviewer,
		Name:      r.name,
		Type:      domain.EventRecordingStarted,
		Detail:    map[string]any{},
		Timestamp: time.Now(),
	})
	return nil
}

func (r *Recorder) captureLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.slice)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			chunk, err := r.source(ctx)
			if err != nil {
				log.Warn().Err(err).Str("module", "record").Msg("chunk capture failed")
				continue
			}
			if len(chunk) == 0 {
				continue
			}
			r.mu.Lock()
			r.chunks = append(r.chunks, chunk)
			r.mu.Unlock()
		}
	}
}

// Stop concatenates the buffered chunks and uploads the blob. Stop without a
// prior Start is a no-op: no event, no upload.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return nil
	}
	r.recording = false
	cancel := r.cancel
	done := r.loopDone
	r.mu.Unlock()

	cancel()
	<-done

	r.mu.Lock()
	blob := bytes.Join(r.chunks, nil)
	r.chunks = nil
	r.mu.Unlock()

	if len(blob) == 0 {
		log.Warn().Str("module", "record").Msg("nothing captured, skipping upload")
		return nil
	}

	if err := r.store.UploadVideo(ctx, r.session, r.name, blob); err != nil {
		// best-effort: the call is already over, nothing to interrupt
		log.Warn().Err(err).Str("module", "record").Msg("upload failed")
		return nil
	}

	r.sink.Publish(domain.IntegrityEvent{
		SessionID: r.session,
		Role:      domain.RoleInterviewer,
		Name:      r.name,
		Type:      domain.EventRecordingUpload,
		Detail:    map[string]any{"size": len(blob)},
		Timestamp: time.Now(),
	})
	return nil
}
