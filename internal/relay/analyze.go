package relay

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/proctorlink/proctorlink/internal/core"
	"github.com/proctorlink/proctorlink/internal/domain"
)

// FrameAnalyzer runs server-side inference on a single submitted frame.
// Unlike the agent pipeline it keeps no temporal state: every violation in
// the frame becomes an event. Debouncing is the submitting side's job.
type FrameAnalyzer struct {
	objects  core.ObjectDetector
	faces    core.FaceDetector
	minScore float64
}

func NewFrameAnalyzer(objects core.ObjectDetector, faces core.FaceDetector, minScore float64) *FrameAnalyzer {
	if minScore <= 0 {
		minScore = 0.3
	}
	return &FrameAnalyzer{objects: objects, faces: faces, minScore: minScore}
}

// decodeDataURI accepts "data:image/...;base64,<payload>" or bare base64.
func decodeDataURI(image string) ([]byte, error) {
	if i := strings.Index(image, ","); i >= 0 && strings.HasPrefix(image, "data:") {
		image = image[i+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(image)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return raw, nil
}

// Analyze runs both detectors on the frame and returns the violations found.
func (a *FrameAnalyzer) Analyze(ctx context.Context, sid domain.SessionID, name, image string) ([]domain.IntegrityEvent, error) {
	frame, err := decodeDataURI(image)
	if err != nil {
		return nil, err
	}

	var (
		wg      sync.WaitGroup
		dets    []domain.Detection
		faces   []domain.Face
		objErr  error
		faceErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		dets, objErr = a.objects.DetectObjects(ctx, frame)
	}()
	go func() {
		defer wg.Done()
		faces, faceErr = a.faces.DetectFaces(ctx, frame)
	}()
	wg.Wait()
	if objErr != nil {
		return nil, fmt.Errorf("object inference: %w", objErr)
	}
	if faceErr != nil {
		return nil, fmt.Errorf("face inference: %w", faceErr)
	}

	now := time.Now()
	event := func(t domain.EventType, detail map[string]any) domain.IntegrityEvent {
		return domain.IntegrityEvent{
			SessionID: sid,
			Role:      domain.RoleInterviewee,
			Name:      name,
			Type:      t,
			Detail:    detail,
			Timestamp: now,
		}
	}

	var out []domain.IntegrityEvent
	for _, d := range dets {
		if !domain.DisallowedObject(d.Class) || d.Score < a.minScore {
			continue
		}
		out = append(out, event(domain.EventObjectDetected, map[string]any{
			"class": d.Class,
			"score": d.Score,
		}))
	}
	switch {
	case len(faces) == 0:
		out = append(out, event(domain.EventNoFace, nil))
	case len(faces) > 1:
		out = append(out, event(domain.EventMultipleFaces, map[string]any{"count": len(faces)}))
	}
	return out, nil
}
