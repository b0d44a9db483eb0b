// Package capture is the local media source for the agent: pre-encoded
// sample files feed the outbound pion tracks, and a directory of JPEG stills
// serves the detection pipeline's frame grabs.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog/log"

	"github.com/proctorlink/proctorlink/internal/core"
)

const opusSampleRate = 48000

var ErrNoFrames = errors.New("no frames available")

// Source implements core.MediaSource.
type Source struct {
	mu     sync.Mutex
	frames []string
	idx    int
	micOn  bool
	camOn  bool

	videoTrack *webrtc.TrackLocalStaticSample
	audioTrack *webrtc.TrackLocalStaticSample

	cancel context.CancelFunc
}

var _ core.MediaSource = (*Source)(nil)

// Open prepares the source. frameDir must hold at least one JPEG; videoFile
// (IVF/VP8) and audioFile (Ogg/Opus) are optional and enable the
// corresponding outbound track.
func Open(frameDir, videoFile, audioFile string) (*Source, error) {
	matches, err := filepath.Glob(filepath.Join(frameDir, "*.jpg"))
	if err != nil {
		return nil, fmt.Errorf("scan frame dir: %w", err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoFrames, frameDir)
	}
	sort.Strings(matches)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Source{
		frames: matches,
		micOn:  true,
		camOn:  true,
		cancel: cancel,
	}

	if videoFile != "" {
		s.videoTrack, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "proctorlink")
		if err != nil {
			cancel()
			return nil, fmt.Errorf("create video track: %w", err)
		}
		go s.feedVideo(ctx, videoFile)
	}
	if audioFile != "" {
		s.audioTrack, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "proctorlink")
		if err != nil {
			cancel()
			return nil, fmt.Errorf("create audio track: %w", err)
		}
		go s.feedAudio(ctx, audioFile)
	}
	return s, nil
}

// Tracks returns the outbound tracks for the peer link.
func (s *Source) Tracks() []webrtc.TrackLocal {
	var out []webrtc.TrackLocal
	if s.audioTrack != nil {
		out = append(out, s.audioTrack)
	}
	if s.videoTrack != nil {
		out = append(out, s.videoTrack)
	}
	return out
}

// Grab returns the next still frame, looping over the directory.
func (s *Source) Grab(_ context.Context) ([]byte, error) {
	s.mu.Lock()
	if !s.camOn {
		s.mu.Unlock()
		return nil, errors.New("camera disabled")
	}
	path := s.frames[s.idx%len(s.frames)]
	s.idx++
	s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read frame %s: %w", path, err)
	}
	return data, nil
}

func (s *Source) SetMicEnabled(on bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.micOn = on
	return s.micOn
}

func (s *Source) SetCameraEnabled(on bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.camOn = on
	return s.camOn
}

func (s *Source) Stop() {
	s.cancel()
}

func (s *Source) cameraOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.camOn
}

func (s *Source) micEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.micOn
}

// feedVideo writes IVF frames to the video track at the file's timebase,
// looping at EOF. A disabled camera skips samples without stopping the clock.
func (s *Source) feedVideo(ctx context.Context, path string) {
	for {
		file, err := os.Open(path)
		if err != nil {
			log.Error().Err(err).Str("module", "capture").Msg("open video file")
			return
		}
		ivf, header, err := ivfreader.NewWith(file)
		if err != nil {
			log.Error().Err(err).Str("module", "capture").Msg("parse ivf header")
			file.Close()
			return
		}
		frameDur := time.Millisecond * time.Duration(
			(float64(header.TimebaseNumerator)/float64(header.TimebaseDenominator))*1000)
		ticker := time.NewTicker(frameDur)
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				file.Close()
				return
			case <-ticker.C:
			}
			frame, _, err := ivf.ParseNextFrame()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				log.Warn().Err(err).Str("module", "capture").Msg("parse video frame")
				break
			}
			if !s.cameraOn() {
				continue
			}
			if err := s.videoTrack.WriteSample(media.Sample{Data: frame, Duration: frameDur}); err != nil {
				log.Warn().Err(err).Str("module", "capture").Msg("write video sample")
			}
		}
		ticker.Stop()
		file.Close()
	}
}

// feedAudio writes Ogg pages to the audio track paced by granule positions,
// looping at EOF.
func (s *Source) feedAudio(ctx context.Context, path string) {
	for {
		file, err := os.Open(path)
		if err != nil {
			log.Error().Err(err).Str("module", "capture").Msg("open audio file")
			return
		}
		ogg, _, err := oggreader.NewWith(file)
		if err != nil {
			log.Error().Err(err).Str("module", "capture").Msg("parse ogg header")
			file.Close()
			return
		}
		var lastGranule uint64
		for {
			select {
			case <-ctx.Done():
				file.Close()
				return
			default:
			}
			page, header, err := ogg.ParseNextPage()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				log.Warn().Err(err).Str("module", "capture").Msg("parse audio page")
				break
			}
			sampleCount := float64(header.GranulePosition - lastGranule)
			lastGranule = header.GranulePosition
			dur := time.Duration((sampleCount/opusSampleRate)*1000) * time.Millisecond

			if s.micEnabled() {
				if err := s.audioTrack.WriteSample(media.Sample{Data: page, Duration: dur}); err != nil {
					log.Warn().Err(err).Str("module", "capture").Msg("write audio sample")
				}
			}
			select {
			case <-ctx.Done():
				file.Close()
				return
			case <-time.After(dur):
			}
		}
		file.Close()
	}
}
