package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/proctorlink/proctorlink/internal/domain"
)

type stubChannel struct {
	err  error
	sent []string
}

func (s *stubChannel) Send(msgType string, _ any) error {
	s.sent = append(s.sent, msgType)
	return s.err
}

type stubLog struct {
	err    error
	logged []domain.IntegrityEvent
}

func (s *stubLog) StartSession(context.Context, domain.SessionID, string) error { return nil }
func (s *stubLog) UploadVideo(context.Context, domain.SessionID, string, []byte) error {
	return nil
}
func (s *stubLog) FetchReport(context.Context, domain.SessionID) ([]byte, error) { return nil, nil }
func (s *stubLog) LogEvent(_ context.Context, ev domain.IntegrityEvent) error {
	s.logged = append(s.logged, ev)
	return s.err
}

func testEvent() domain.IntegrityEvent {
	return domain.IntegrityEvent{
		SessionID: "sess-1",
		Role:      domain.RoleInterviewee,
		Type:      domain.EventNoFace,
	}
}

func TestPublishFansOutToBothSinks(t *testing.T) {
	ch := &stubChannel{}
	store := &stubLog{}
	NewBus(ch, store).Publish(testEvent())

	assert.Equal(t, []string{domain.MsgEvent}, ch.sent)
	assert.Len(t, store.logged, 1)
}

func TestBroadcastFailureStillPersists(t *testing.T) {
	ch := &stubChannel{err: errors.New("socket gone")}
	store := &stubLog{}
	NewBus(ch, store).Publish(testEvent())

	assert.Len(t, store.logged, 1)
}

func TestPersistFailureStillBroadcasts(t *testing.T) {
	ch := &stubChannel{}
	store := &stubLog{err: errors.New("service down")}
	NewBus(ch, store).Publish(testEvent())

	assert.Equal(t, []string{domain.MsgEvent}, ch.sent)
}
