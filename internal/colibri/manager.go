package colibri

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/conferencefocus/focus/internal/bridge"
	"github.com/conferencefocus/focus/internal/colibri/transport"
	"github.com/conferencefocus/focus/internal/events"
	"github.com/conferencefocus/focus/internal/queue"
)

// MaxConcurrentRelayOps is the weight of the semaphore ensureRelay creates
// for each call, bounding the relay directives that call issues at once,
// mirroring the teacher's drain coordinator's MaxConcurrentMigrations
// ceiling.
const MaxConcurrentRelayOps = 8

// Manager is the Colibri Session Manager of §4.4: it owns one
// BridgeSession per (conference, bridge), serializes requests to a given
// session through a dedicated queue, and converges the inter-bridge
// relay mesh via the Cascade graph.
type Manager struct {
	mu sync.Mutex

	registry  *bridge.Registry
	selector  bridge.Selector
	transport transport.Transport
	publisher events.Publisher
	logger    *slog.Logger

	octoSCTPDatachannels bool

	sessions map[string]map[string]*BridgeSession // meetingID -> bridgeID -> session
	queues   map[string]*queue.SerialQueue         // "meetingID/bridgeID" -> queue
	cascade  *Cascade

	disposed bool
}

// NewManager constructs a Manager wired to a bridge registry, selector,
// and bridge transport.
func NewManager(registry *bridge.Registry, selector bridge.Selector, tp transport.Transport, publisher events.Publisher, octoSCTPDatachannels bool) *Manager {
	if publisher == nil {
		publisher = events.NewNoopPublisher()
	}
	return &Manager{
		registry:             registry,
		selector:             selector,
		transport:            tp,
		publisher:            publisher,
		logger:               slog.Default().With("component", "colibri.manager"),
		octoSCTPDatachannels: octoSCTPDatachannels,
		sessions:             make(map[string]map[string]*BridgeSession),
		queues:               make(map[string]*queue.SerialQueue),
		cascade:              NewCascade(),
	}
}

func (m *Manager) sessionQueue(meetingID, bridgeID string) *queue.SerialQueue {
	key := meetingID + "/" + bridgeID
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[key]
	if !ok {
		q = queue.NewSerialQueue(32)
		m.queues[key] = q
	}
	return q
}

func (m *Manager) sessionFor(meetingID, bridgeID string) *BridgeSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	byBridge, ok := m.sessions[meetingID]
	if !ok {
		byBridge = make(map[string]*BridgeSession)
		m.sessions[meetingID] = byBridge
	}
	sess, ok := byBridge[bridgeID]
	if !ok {
		sess = NewBridgeSession(bridgeID, meetingID+"/"+bridgeID)
		byBridge[bridgeID] = sess
	}
	return sess
}

func (m *Manager) conferenceBridgeIDs(meetingID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	byBridge := m.sessions[meetingID]
	out := make([]string, 0, len(byBridge))
	for id := range byBridge {
		out = append(out, id)
	}
	return out
}

// Allocate selects a bridge for the participant (reusing an
// already-in-conference session when the selector returns one already in
// use) and issues an add-endpoint or create-conference+add-endpoint
// request, per §4.4.
func (m *Manager) Allocate(ctx context.Context, meetingID, endpointID string, participant bridge.Participant) (*ColibriAllocation, error) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil, ErrDisposed
	}
	m.mu.Unlock()

	conferenceBridgeIDs := m.conferenceBridgeIDs(meetingID)
	var conferenceBridges []*bridge.Bridge
	for _, id := range conferenceBridgeIDs {
		if b, ok := m.registry.Get(id); ok {
			conferenceBridges = append(conferenceBridges, b)
		}
	}

	candidates := m.registry.All()
	participantCounts := make(map[string]int)
	for _, id := range conferenceBridgeIDs {
		sess := m.sessionFor(meetingID, id)
		participantCounts[id] = sess.ParticipantCount()
	}

	chosen, err := m.selector.Select(ctx, candidates, conferenceBridges, participantCounts, participant)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBridgeSelectionFailed, err)
	}

	sess := m.sessionFor(meetingID, chosen.ID)
	q := m.sessionQueue(meetingID, chosen.ID)

	var allocation *ColibriAllocation
	var sendErr error
	waitErr := q.SubmitAndWait(ctx, func() {
		allocation, sendErr = m.doAllocate(ctx, meetingID, endpointID, chosen, sess, participant)
	})
	if waitErr != nil {
		return nil, waitErr
	}
	if sendErr != nil {
		return nil, sendErr
	}

	if len(conferenceBridges) > 0 && chosen.ID != conferenceBridges[0].ID {
		if err := m.ensureRelay(ctx, meetingID, conferenceBridges[0].ID, chosen.ID); err != nil {
			m.logger.Warn("relay establishment failed", "meeting", meetingID, "bridge_a", conferenceBridges[0].ID, "bridge_b", chosen.ID, "error", err)
		}
	}

	return allocation, nil
}

func (m *Manager) doAllocate(ctx context.Context, meetingID, endpointID string, b *bridge.Bridge, sess *BridgeSession, participant bridge.Participant) (*ColibriAllocation, error) {
	directive := transport.DirectiveAddEndpoint
	if sess.NeedsCreate() {
		directive = transport.DirectiveCreateConference
	}

	payload, _ := structpb.NewStruct(map[string]any{
		"endpoint_id": endpointID,
		"region":      participant.Region,
	})

	resp, err := m.transport.Send(ctx, transport.Request{
		BridgeID:  b.ID,
		MeetingID: meetingID,
		Directive: directive,
		Payload:   payload,
	})
	if err != nil {
		m.registry.MarkNonOperational(b.ID)
		m.publishBridgeNonOperational(meetingID, b.ID, err.Error())
		return nil, &BridgeFailedError{BridgeID: b.ID, Restart: true, Cause: err}
	}
	if !resp.Success {
		if b.ReportFailure() {
			m.registry.MarkNonOperational(b.ID)
			m.publishBridgeNonOperational(meetingID, b.ID, resp.ErrorReason)
		}
		return nil, fmt.Errorf("%w: %s", ErrBadRequest, resp.ErrorReason)
	}
	b.ReportSuccess()
	sess.MarkCreated()
	sess.AddParticipant(endpointID)

	alloc := &ColibriAllocation{
		Region:    b.Region,
		SessionID: sess.SessionID,
	}
	if resp.Payload != nil {
		if fp, ok := resp.Payload.Fields["dtls_fingerprint"]; ok {
			alloc.Transport.DTLSFingerprint = fp.GetStringValue()
		}
		if ufrag, ok := resp.Payload.Fields["ice_ufrag_pwd"]; ok {
			alloc.Transport.UfragPwd = ufrag.GetStringValue()
		}
	}
	alloc.FeedbackSources = sess.FeedbackSources()
	return alloc, nil
}

// Update pushes a modify-endpoint directive (source add/remove, mute
// state, etc.) to the endpoint's current bridge.
func (m *Manager) Update(ctx context.Context, meetingID, endpointID, bridgeID string, fields map[string]any) error {
	sess := m.sessionFor(meetingID, bridgeID)
	if !sess.HasParticipant(endpointID) {
		return nil // idempotent: nothing to update (§4.4 Idempotency)
	}

	q := m.sessionQueue(meetingID, bridgeID)
	var sendErr error
	waitErr := q.SubmitAndWait(ctx, func() {
		b, ok := m.registry.Get(bridgeID)
		if !ok {
			sendErr = fmt.Errorf("%w: %s", ErrBadRequest, bridgeID)
			return
		}
		payload, _ := structpb.NewStruct(fields)
		resp, err := m.transport.Send(ctx, transport.Request{
			BridgeID:  bridgeID,
			MeetingID: meetingID,
			Directive: transport.DirectiveModifyEndpoint,
			Payload:   payload,
		})
		if err != nil {
			sess.MarkFailed()
			m.registry.MarkNonOperational(bridgeID)
			m.publishBridgeNonOperational(meetingID, bridgeID, err.Error())
			sendErr = &BridgeFailedError{BridgeID: bridgeID, Restart: true, Cause: err}
			return
		}
		if !resp.Success {
			sendErr = fmt.Errorf("%w: %s", ErrBadRequest, resp.ErrorReason)
			return
		}
		b.ReportSuccess()
	})
	if waitErr != nil {
		return waitErr
	}
	return sendErr
}

// SetForceMute applies a force-mute change to a set of endpoints, grouped
// by the bridge each currently lives on (§4.4 "Force-mute propagation").
// Each bridge in endpointsByBridge gets exactly one set-force-mute
// request carrying every affected endpoint id on that bridge, so a
// single-endpoint call naturally sends one update for that endpoint only,
// while changing force-mute for many endpoints on the same bridge
// coalesces into one request instead of one per endpoint. Bridges are
// updated concurrently, mirroring ensureRelay's per-edge fan-out.
func (m *Manager) SetForceMute(ctx context.Context, meetingID string, endpointsByBridge map[string][]string, muted bool) error {
	g, gctx := errgroup.WithContext(ctx)
	for bridgeID, endpointIDs := range endpointsByBridge {
		bridgeID, endpointIDs := bridgeID, endpointIDs
		if len(endpointIDs) == 0 {
			continue
		}
		g.Go(func() error {
			return m.sendForceMute(gctx, meetingID, bridgeID, endpointIDs, muted)
		})
	}
	return g.Wait()
}

func (m *Manager) sendForceMute(ctx context.Context, meetingID, bridgeID string, endpointIDs []string, muted bool) error {
	sess := m.sessionFor(meetingID, bridgeID)
	q := m.sessionQueue(meetingID, bridgeID)
	ids := make([]any, len(endpointIDs))
	for i, id := range endpointIDs {
		ids[i] = id
	}

	var sendErr error
	waitErr := q.SubmitAndWait(ctx, func() {
		b, ok := m.registry.Get(bridgeID)
		if !ok {
			sendErr = fmt.Errorf("%w: %s", ErrBadRequest, bridgeID)
			return
		}
		payload, _ := structpb.NewStruct(map[string]any{
			"endpoint_ids": ids,
			"muted":        muted,
		})
		resp, err := m.transport.Send(ctx, transport.Request{
			BridgeID:  bridgeID,
			MeetingID: meetingID,
			Directive: transport.DirectiveSetForceMute,
			Payload:   payload,
		})
		if err != nil {
			sess.MarkFailed()
			m.registry.MarkNonOperational(bridgeID)
			m.publishBridgeNonOperational(meetingID, bridgeID, err.Error())
			sendErr = &BridgeFailedError{BridgeID: bridgeID, Restart: true, Cause: err}
			return
		}
		if !resp.Success {
			sendErr = fmt.Errorf("%w: %s", ErrBadRequest, resp.ErrorReason)
			return
		}
		b.ReportSuccess()
	})
	if waitErr != nil {
		return waitErr
	}
	return sendErr
}

// SetRecordingURL pushes the recording connect URL (and, optionally, a
// transcriber connect URL already resolved from its template) to every
// bridge currently hosting the conference (§6 "set recording connect
// URL... optionally carries a transcriber connect URL resolved from a
// templated URL").
func (m *Manager) SetRecordingURL(ctx context.Context, meetingID, recordingConnectURL, transcriberConnectURL string) error {
	bridgeIDs := m.conferenceBridgeIDs(meetingID)
	g, gctx := errgroup.WithContext(ctx)
	for _, bridgeID := range bridgeIDs {
		bridgeID := bridgeID
		g.Go(func() error {
			return m.sendRecordingURL(gctx, meetingID, bridgeID, recordingConnectURL, transcriberConnectURL)
		})
	}
	return g.Wait()
}

func (m *Manager) sendRecordingURL(ctx context.Context, meetingID, bridgeID, recordingConnectURL, transcriberConnectURL string) error {
	sess := m.sessionFor(meetingID, bridgeID)
	q := m.sessionQueue(meetingID, bridgeID)
	var sendErr error
	waitErr := q.SubmitAndWait(ctx, func() {
		b, ok := m.registry.Get(bridgeID)
		if !ok {
			sendErr = fmt.Errorf("%w: %s", ErrBadRequest, bridgeID)
			return
		}
		payload, _ := structpb.NewStruct(map[string]any{"recording_connect_url": recordingConnectURL})
		resp, err := m.transport.Send(ctx, transport.Request{
			BridgeID:              bridgeID,
			MeetingID:             meetingID,
			Directive:             transport.DirectiveSetRecordingURL,
			Payload:               payload,
			TranscriberConnectURL: transcriberConnectURL,
		})
		if err != nil {
			sess.MarkFailed()
			m.registry.MarkNonOperational(bridgeID)
			m.publishBridgeNonOperational(meetingID, bridgeID, err.Error())
			sendErr = &BridgeFailedError{BridgeID: bridgeID, Restart: true, Cause: err}
			return
		}
		if !resp.Success {
			sendErr = fmt.Errorf("%w: %s", ErrBadRequest, resp.ErrorReason)
			return
		}
		b.ReportSuccess()
	})
	if waitErr != nil {
		return waitErr
	}
	return sendErr
}

// Expire sends an expire-endpoint directive and removes the endpoint from
// its session; if the session becomes empty it is dropped from the
// manager and its bridge leaves the cascade (§4.4 Idempotency). No
// separate conference-level expire directive is sent to the bridge.
func (m *Manager) Expire(ctx context.Context, meetingID, endpointID, bridgeID string) error {
	sess := m.sessionFor(meetingID, bridgeID)
	if !sess.HasParticipant(endpointID) {
		return nil
	}

	q := m.sessionQueue(meetingID, bridgeID)
	var sendErr error
	waitErr := q.SubmitAndWait(ctx, func() {
		payload, _ := structpb.NewStruct(map[string]any{"endpoint_id": endpointID})
		_, err := m.transport.Send(ctx, transport.Request{
			BridgeID:  bridgeID,
			MeetingID: meetingID,
			Directive: transport.DirectiveExpireEndpoint,
			Payload:   payload,
		})
		if err != nil {
			sendErr = &ColibriExpiredError{BridgeID: bridgeID}
			return
		}
		empty := sess.RemoveParticipant(endpointID)
		if empty {
			m.cascade.Leave(bridgeID)
			m.mu.Lock()
			delete(m.sessions[meetingID], bridgeID)
			m.mu.Unlock()
		}
	})
	if waitErr != nil {
		return waitErr
	}
	return sendErr
}

// ensureRelay converges the cascade mesh between bridgeA and bridgeB: if
// the two are not already connected it issues one create-relay directive
// to each side. The two directives run concurrently under a weighted
// semaphore created for this call, mirroring the teacher's drain
// coordinator pattern; separate ensureRelay calls do not share a bound.
func (m *Manager) ensureRelay(ctx context.Context, meetingID, bridgeA, bridgeB string) error {
	if bridgeA == bridgeB {
		return nil
	}
	if m.cascade.Connected(bridgeA, bridgeB) {
		return nil
	}

	sem := semaphore.NewWeighted(MaxConcurrentRelayOps)
	g, gctx := errgroup.WithContext(ctx)

	meshID := meetingID
	initiatorRole, peerRole := ComplementaryRoles(m.octoSCTPDatachannels)

	g.Go(func() error {
		if err := sem.Acquire(gctx, 1); err != nil {
			return err
		}
		defer sem.Release(1)
		return m.sendRelayDirective(gctx, meetingID, bridgeA, bridgeB, initiatorRole)
	})
	g.Go(func() error {
		if err := sem.Acquire(gctx, 1); err != nil {
			return err
		}
		defer sem.Release(1)
		return m.sendRelayDirective(gctx, meetingID, bridgeB, bridgeA, peerRole)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	m.cascade.Join(bridgeA, meshID, []string{bridgeB})
	sessA := m.sessionFor(meetingID, bridgeA)
	sessB := m.sessionFor(meetingID, bridgeB)
	sessA.AddPeer(bridgeB)
	sessB.AddPeer(bridgeA)
	m.publisher.PublishAsync(&events.RelayEstablishedEvent{
		BaseEvent:  m.baseEvent(events.RelayEstablished, meetingID),
		FromBridge: bridgeA,
		ToBridge:   bridgeB,
		MeshID:     meshID,
	})
	return nil
}

func (m *Manager) baseEvent(t events.EventType, meetingID string) events.BaseEvent {
	return events.BaseEvent{EventType: t, EventTime: time.Now(), MeetingID: meetingID}
}

func (m *Manager) sendRelayDirective(ctx context.Context, meetingID, from, to string, role RelayRole) error {
	kind, offer := ResolveBridgeChannel(m.octoSCTPDatachannels, role)
	payload, _ := structpb.NewStruct(map[string]any{
		"peer_bridge_id":         to,
		"initiator":              role.Initiator,
		"dtls_setup":             role.DTLSSetup,
		"bridge_channel":         string(kind),
		"bridge_channel_offerer": offer,
	})
	q := m.sessionQueue(meetingID, from)
	var sendErr error
	waitErr := q.SubmitAndWait(ctx, func() {
		resp, err := m.transport.Send(ctx, transport.Request{
			BridgeID:  from,
			MeetingID: meetingID,
			Directive: transport.DirectiveCreateRelay,
			Payload:   payload,
		})
		if err != nil {
			sendErr = &BridgeFailedError{BridgeID: from, Restart: true, Cause: err}
			return
		}
		if !resp.Success {
			sendErr = fmt.Errorf("%w: %s", ErrBadRequest, resp.ErrorReason)
		}
	})
	if waitErr != nil {
		return waitErr
	}
	return sendErr
}

func (m *Manager) publishBridgeNonOperational(meetingID, bridgeID, reason string) {
	m.logger.Warn("bridge marked non-operational", "meeting", meetingID, "bridge", bridgeID, "reason", reason)
	m.publisher.PublishAsync(&events.BridgeNonOperationalEvent{
		BaseEvent: m.baseEvent(events.BridgeNonOperational, meetingID),
		BridgeID:  bridgeID,
		Restart:   true,
	})
}

// Dispose shuts down every per-session queue. No further requests may be
// issued afterward.
func (m *Manager) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return
	}
	m.disposed = true
	for _, q := range m.queues {
		q.Close()
	}
	_ = m.transport.Close()
}
