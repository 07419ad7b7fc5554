package events

import (
	"context"
	"testing"
	"time"
)

func newJoined(meetingID, endpointID string) *MemberJoinedEvent {
	return &MemberJoinedEvent{
		BaseEvent: BaseEvent{
			EventType:  MemberJoined,
			EventTime:  time.Now(),
			MeetingID:  meetingID,
			EndpointID: endpointID,
		},
		Region: "eu",
		Role:   "participant",
	}
}

func TestBaseEventAccessors(t *testing.T) {
	e := newJoined("meeting-1", "ep-1")

	if e.Type() != MemberJoined {
		t.Errorf("Type() = %v, want %v", e.Type(), MemberJoined)
	}
	if e.ConferenceID() != "meeting-1" {
		t.Errorf("ConferenceID() = %q, want %q", e.ConferenceID(), "meeting-1")
	}
	if e.Timestamp().IsZero() {
		t.Errorf("Timestamp() should not be zero")
	}
}

func TestMarshalEvent(t *testing.T) {
	e := newJoined("meeting-1", "ep-1")
	b, err := MarshalEvent(e)
	if err != nil {
		t.Fatalf("MarshalEvent() error = %v", err)
	}
	if len(b) == 0 {
		t.Fatalf("MarshalEvent() returned empty payload")
	}
}

func TestNoopPublisher(t *testing.T) {
	p := NewNoopPublisher()
	if err := p.Publish(context.Background(), newJoined("m", "e")); err != nil {
		t.Errorf("Publish() error = %v", err)
	}
	p.PublishAsync(newJoined("m", "e"))
	if err := p.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestChannelPublisherDeliversAndDrops(t *testing.T) {
	p := NewChannelPublisher(1)
	defer p.Close()

	ctx := context.Background()
	if err := p.Publish(ctx, newJoined("m", "e1")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	// Buffer now full (size 1); this publish should be dropped, not block.
	if err := p.Publish(ctx, newJoined("m", "e2")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if got := p.DroppedCount(); got != 1 {
		t.Errorf("DroppedCount() = %d, want 1", got)
	}

	got := <-p.Events()
	if got.ConferenceID() != "m" {
		t.Errorf("delivered event meeting id = %q, want %q", got.ConferenceID(), "m")
	}
}

func TestMultiPublisherFansOut(t *testing.T) {
	a := NewChannelPublisher(1)
	b := NewChannelPublisher(1)
	defer a.Close()
	defer b.Close()

	multi := NewMultiPublisher(a, b)
	multi.PublishAsync(newJoined("m", "e"))

	select {
	case <-a.Events():
	default:
		t.Errorf("publisher a did not receive event")
	}
	select {
	case <-b.Events():
	default:
		t.Errorf("publisher b did not receive event")
	}
}
