package relay

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proctorlink/proctorlink/internal/domain"
)

type fixedObjects struct {
	dets []domain.Detection
}

func (f fixedObjects) DetectObjects(context.Context, []byte) ([]domain.Detection, error) {
	return f.dets, nil
}

type fixedFaces struct {
	faces []domain.Face
}

func (f fixedFaces) DetectFaces(context.Context, []byte) ([]domain.Face, error) {
	return f.faces, nil
}

func frameURI() string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("jpeg"))
}

func oneFace() []domain.Face {
	return []domain.Face{{
		LeftEye:  domain.Point{X: 0.4},
		RightEye: domain.Point{X: 0.6},
		Nose:     domain.Point{X: 0.5},
	}}
}

func TestDecodeDataURI(t *testing.T) {
	raw, err := decodeDataURI(frameURI())
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), raw)

	// bare base64 works too
	raw, err = decodeDataURI(base64.StdEncoding.EncodeToString([]byte("jpeg")))
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), raw)

	_, err = decodeDataURI("data:image/jpeg;base64,%%%")
	assert.Error(t, err)
}

func TestAnalyzeFlagsViolations(t *testing.T) {
	a := NewFrameAnalyzer(
		fixedObjects{dets: []domain.Detection{
			{Class: "cell phone", Score: 0.9},
			{Class: "cup", Score: 0.9},        // allowed object
			{Class: "book", Score: 0.1},       // below threshold
		}},
		fixedFaces{}, // zero faces
		0.3,
	)

	events, err := a.Analyze(context.Background(), "sess-1", "Alice", frameURI())
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.Equal(t, domain.EventObjectDetected, events[0].Type)
	assert.Equal(t, "cell phone", events[0].Detail["class"])
	assert.Equal(t, domain.EventNoFace, events[1].Type)
	for _, ev := range events {
		assert.Equal(t, domain.SessionID("sess-1"), ev.SessionID)
		assert.Equal(t, "Alice", ev.Name)
	}
}

func TestAnalyzeMultipleFaces(t *testing.T) {
	a := NewFrameAnalyzer(fixedObjects{}, fixedFaces{faces: append(oneFace(), oneFace()...)}, 0.3)

	events, err := a.Analyze(context.Background(), "sess-1", "Alice", frameURI())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventMultipleFaces, events[0].Type)
	assert.Equal(t, 2, events[0].Detail["count"])
}

func TestAnalyzeCleanFrame(t *testing.T) {
	a := NewFrameAnalyzer(fixedObjects{}, fixedFaces{faces: oneFace()}, 0.3)

	events, err := a.Analyze(context.Background(), "sess-1", "Alice", frameURI())
	require.NoError(t, err)
	assert.Empty(t, events)
}
