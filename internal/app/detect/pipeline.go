// Package detect turns noisy per-frame inference into debounced, rate-limited
// integrity events. One pipeline per interviewee; the interviewer side runs
// none.
package detect

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/proctorlink/proctorlink/internal/core"
	"github.com/proctorlink/proctorlink/internal/domain"
)

// Thresholds drive the temporal debouncing. Zero values fall back to the
// defaults below.
type Thresholds struct {
	Interval       time.Duration
	NoFaceAfter    time.Duration
	GazeAwayAfter  time.Duration
	ObjectCooldown time.Duration
	MinScore       float64
	GazeOffsetFrac float64
}

func (t Thresholds) withDefaults() Thresholds {
	if t.Interval <= 0 {
		t.Interval = 700 * time.Millisecond
	}
	if t.NoFaceAfter <= 0 {
		t.NoFaceAfter = 10 * time.Second
	}
	if t.GazeAwayAfter <= 0 {
		t.GazeAwayAfter = 5 * time.Second
	}
	if t.ObjectCooldown <= 0 {
		t.ObjectCooldown = 5 * time.Second
	}
	if t.MinScore <= 0 {
		t.MinScore = 0.5
	}
	if t.GazeOffsetFrac <= 0 {
		t.GazeOffsetFrac = 0.25
	}
	return t
}

// Pipeline samples frames on a fixed cadence and runs both detectors
// concurrently per sample. All state is mutated only from the sampling loop.
type Pipeline struct {
	session domain.SessionID
	role    domain.Role
	name    string
	th      Thresholds

	source  core.MediaSource
	objects core.ObjectDetector
	faces   core.FaceDetector
	sink    core.EventSink
	// onFrame receives every captured frame for the snapshot fallback.
	onFrame func(frame []byte)

	now func() time.Time

	noFaceElapsed   time.Duration
	gazeAwayElapsed time.Duration
	lastObjectSeen  map[string]time.Time
}

func NewPipeline(
	sid domain.SessionID,
	role domain.Role,
	name string,
	th Thresholds,
	source core.MediaSource,
	objects core.ObjectDetector,
	faces core.FaceDetector,
	sink core.EventSink,
	onFrame func([]byte),
) *Pipeline {
	return &Pipeline{
		session:        sid,
		role:           role,
		name:           name,
		th:             th.withDefaults(),
		source:         source,
		objects:        objects,
		faces:          faces,
		sink:           sink,
		onFrame:        onFrame,
		now:            time.Now,
		lastObjectSeen: make(map[string]time.Time),
	}
}

// Run samples until ctx is canceled. Samples never overlap: the next tick is
// only consumed after the previous inference pass settles.
func (p *Pipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(p.th.Interval)
	defer ticker.Stop()

	log.Info().Str("module", "detect").Str("session", string(p.session)).
		Dur("interval", p.th.Interval).Msg("pipeline started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "detect").Str("session", string(p.session)).Msg("pipeline stopped")
			return
		case <-ticker.C:
			p.sample(ctx)
		}
	}
}

func (p *Pipeline) sample(ctx context.Context) {
	frame, err := p.source.Grab(ctx)
	if err != nil {
		log.Warn().Err(err).Str("module", "detect").Msg("frame grab failed")
		return
	}
	if p.onFrame != nil {
		p.onFrame(frame)
	}

	var (
		wg      sync.WaitGroup
		objs    []domain.Detection
		faces   []domain.Face
		objErr  error
		faceErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		objs, objErr = p.objects.DetectObjects(ctx, frame)
	}()
	go func() {
		defer wg.Done()
		faces, faceErr = p.faces.DetectFaces(ctx, frame)
	}()
	wg.Wait()

	if objErr != nil {
		log.Warn().Err(objErr).Str("module", "detect").Msg("object inference failed")
	} else {
		p.checkObjects(objs)
	}
	if faceErr != nil {
		log.Warn().Err(faceErr).Str("module", "detect").Msg("face inference failed")
	} else {
		p.checkFaces(faces)
	}
}

// checkObjects emits object_detected per disallowed class, suppressing
// repeats of the same class within the cooldown window.
func (p *Pipeline) checkObjects(objs []domain.Detection) {
	now := p.now()
	for _, d := range objs {
		if !domain.DisallowedObject(d.Class) || d.Score < p.th.MinScore {
			continue
		}
		if last, ok := p.lastObjectSeen[d.Class]; ok && now.Sub(last) < p.th.ObjectCooldown {
			continue
		}
		p.lastObjectSeen[d.Class] = now
		p.emit(domain.EventObjectDetected, map[string]any{
			"object": d.Class,
			"score":  d.Score,
		})
	}
}

func (p *Pipeline) checkFaces(faces []domain.Face) {
	switch {
	case len(faces) == 0:
		p.noFaceElapsed += p.th.Interval
		if p.noFaceElapsed >= p.th.NoFaceAfter {
			p.emit(domain.EventNoFace, map[string]any{
				"message": "no face detected",
			})
			p.noFaceElapsed = 0
		}
	case len(faces) > 1:
		// discrete low-frequency occurrence, fires every qualifying sample
		p.noFaceElapsed = 0
		p.emit(domain.EventMultipleFaces, map[string]any{
			"count": len(faces),
		})
	default:
		p.noFaceElapsed = 0
		p.checkGaze(faces[0])
	}
}

// checkGaze compares the horizontal offset between the eye midpoint and the
// nose against a fraction of the interocular distance. A geometric heuristic,
// not an ML component.
func (p *Pipeline) checkGaze(f domain.Face) {
	interocular := abs(f.RightEye.X - f.LeftEye.X)
	if interocular == 0 {
		return
	}
	mid := (f.LeftEye.X + f.RightEye.X) / 2
	offset := abs(f.Nose.X - mid)
	if offset > p.th.GazeOffsetFrac*interocular {
		p.gazeAwayElapsed += p.th.Interval
		if p.gazeAwayElapsed >= p.th.GazeAwayAfter {
			p.emit(domain.EventLookingAway, map[string]any{
				"offset": offset,
			})
			p.gazeAwayElapsed = 0
		}
	} else {
		p.gazeAwayElapsed = 0
	}
}

func (p *Pipeline) emit(typ domain.EventType, detail map[string]any) {
	p.sink.Publish(domain.IntegrityEvent{
		SessionID: p.session,
		Role:      p.role,
		Name:      p.name,
		Type:      typ,
		Detail:    detail,
		Timestamp: p.now(),
	})
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
