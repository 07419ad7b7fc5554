package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/conferencefocus/focus/internal/bridge"
	"github.com/conferencefocus/focus/internal/chatroom"
	"github.com/conferencefocus/focus/internal/colibri"
	"github.com/conferencefocus/focus/internal/colibri/transport"
	"github.com/conferencefocus/focus/internal/conference"
	"github.com/conferencefocus/focus/internal/config"
	"github.com/conferencefocus/focus/internal/events"
	"github.com/conferencefocus/focus/internal/logger"

	"google.golang.org/protobuf/types/known/structpb"
)

func main() {
	cfg := config.Load()

	logger.InitLogger(os.Stdout)

	registry := bridge.NewRegistry()
	selector := bridge.NewIntraRegionSelector(80, cfg.BridgeMaxParticipantsPerBridge)

	tp, err := buildTransport(cfg)
	if err != nil {
		slog.Error("failed to build bridge transport", "error", err)
		os.Exit(1)
	}
	defer tp.Close()

	conferences := newConferenceRegistry()
	colibriMgr := colibri.NewManager(registry, selector, tp, conferences, cfg.OctoSCTPDatachannels)
	defer colibriMgr.Dispose()

	focus := &app{
		cfg:         cfg,
		registry:    registry,
		colibriMgr:  colibriMgr,
		conferences: conferences,
	}

	run(focus, cfg)
}

// app wires the core packages together the way an external MUC/XMPP
// component would: ProcessRoomPresence, JoinRoom, DeliverRoomMetadata and
// RegisterBridge are the inbound surfaces the rest of the deployment (out
// of scope per §1) calls into.
type app struct {
	cfg         *config.Config
	registry    *bridge.Registry
	colibriMgr  *colibri.Manager
	conferences *conferenceRegistry
}

// ProcessRoomPresence routes one presence update to the conference for
// roomJID, minting a fresh meeting id and global id the first time the
// room is seen (§3 "a freshly generated meeting id, the chosen global
// identifier used to cross-reference relay topology").
func (a *app) ProcessRoomPresence(ctx context.Context, roomJID string, update chatroom.PresenceUpdate) {
	conf := a.conferences.getOrCreate(roomJID, a.cfg, a.colibriMgr)
	conf.Room().ProcessPresence(ctx, update)
}

// JoinRoom reads the room configuration form for roomJID (§4.2
// "Configuration form"), blocking up to chatroom.RoomConfigWaitTimeout for
// room-metadata when the form has conferencePresetsEnabled set. An
// external MUC component calls this once, before feeding presence through
// ProcessRoomPresence.
func (a *app) JoinRoom(ctx context.Context, roomJID string, formCfg chatroom.RoomConfig) chatroom.RoomConfig {
	conf := a.conferences.getOrCreate(roomJID, a.cfg, a.colibriMgr)
	return conf.JoinRoom(ctx, formCfg)
}

// DeliverRoomMetadata routes a room-metadata message (§6 "Room-metadata
// boundary (consumed)") to the conference for roomJID, if one exists.
func (a *app) DeliverRoomMetadata(roomJID string, md chatroom.RoomMetadata) {
	if conf, ok := a.conferences.byJID(roomJID); ok {
		conf.OnRoomMetadata(md)
	}
}

// RegisterBridge adds a known bridge to the registry, as an external
// allocator/orchestrator would on bridge startup/discovery.
func (a *app) RegisterBridge(id, region string) {
	a.registry.Register(bridge.NewBridge(id, region))
}

func buildTransport(cfg *config.Config) (transport.Transport, error) {
	if cfg.BridgeGRPCAddr == "" {
		slog.Info("no bridge-grpc-addr configured, using in-process stub transport")
		return transport.NewInProcessTransport(stubBridgeHandler), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tp, err := transport.DialGRPCTransport(ctx, cfg.BridgeGRPCAddr, cfg.BridgeGRPCMethod, cfg.ReplyTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial bridge transport: %w", err)
	}
	return tp, nil
}

// stubBridgeHandler answers every bridge request successfully without a
// real bridge process attached, for running this entrypoint standalone; a
// deployment with actual bridges configures bridge-grpc-addr instead.
func stubBridgeHandler(ctx context.Context, req transport.Request) (*transport.Response, error) {
	payload, _ := structpb.NewStruct(map[string]any{
		"dtls_fingerprint": "stub-fingerprint",
		"ice_ufrag_pwd":    "stub-ufrag stub-pwd",
	})
	return &transport.Response{Success: true, Payload: payload}, nil
}

func run(a *app, cfg *config.Config) {
	slog.Info("starting conference focus core",
		"bridge_grpc_addr", cfg.BridgeGRPCAddr,
		"enable_auto_owner", cfg.EnableAutoOwner,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("received signal, shutting down", "signal", sig)
	a.conferences.closeAll("process shutdown")

	time.Sleep(200 * time.Millisecond)
}

// conferenceRegistry tracks the live Conference per room JID and per
// meeting id, and doubles as the colibri Manager's publisher: bridge-
// health events are bridge-wide, not per-conference, so this is the
// fan-out point that routes each one to the specific conference it
// pertains to (§4.4/§4.5 boundary).
type conferenceRegistry struct {
	mu          sync.Mutex
	byRoom      map[string]*conference.Conference
	byMeetingID map[string]*conference.Conference
}

func newConferenceRegistry() *conferenceRegistry {
	return &conferenceRegistry{
		byRoom:      make(map[string]*conference.Conference),
		byMeetingID: make(map[string]*conference.Conference),
	}
}

func (r *conferenceRegistry) byJID(roomJID string) (*conference.Conference, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conf, ok := r.byRoom[roomJID]
	return conf, ok
}

func (r *conferenceRegistry) getOrCreate(roomJID string, cfg *config.Config, mgr *colibri.Manager) *conference.Conference {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conf, ok := r.byRoom[roomJID]; ok {
		return conf
	}

	meetingID := uuid.New().String()
	globalID := uuid.New().String()
	conf := conference.NewConference(meetingID, roomJID, globalID, cfg, mgr, cfg.TrustedDomains, events.NewLoggingPublisher(slog.Default()), func(reason string) {
		r.remove(roomJID, meetingID)
	})
	r.byRoom[roomJID] = conf
	r.byMeetingID[meetingID] = conf
	return conf
}

func (r *conferenceRegistry) remove(roomJID, meetingID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byRoom, roomJID)
	delete(r.byMeetingID, meetingID)
}

func (r *conferenceRegistry) closeAll(reason string) {
	r.mu.Lock()
	confs := make([]*conference.Conference, 0, len(r.byMeetingID))
	for _, c := range r.byMeetingID {
		confs = append(confs, c)
	}
	r.mu.Unlock()
	slog.Info("closing conferences", "count", len(confs), "reason", reason)
	for _, c := range confs {
		c.Room().Close()
	}
}

// Publish implements events.Publisher so the registry can be handed to
// colibri.NewManager directly: it routes bridge-health events to the
// conference they pertain to and drops everything else (per-conference
// events already flow through each Conference's own publisher).
func (r *conferenceRegistry) Publish(ctx context.Context, event events.Event) error {
	r.PublishAsync(event)
	return nil
}

func (r *conferenceRegistry) PublishAsync(event events.Event) {
	bno, ok := event.(*events.BridgeNonOperationalEvent)
	if !ok {
		return
	}
	r.mu.Lock()
	conf, ok := r.byMeetingID[bno.MeetingID]
	r.mu.Unlock()
	if !ok {
		return
	}
	conf.OnBridgeNonOperational(bno.BridgeID)
}

func (r *conferenceRegistry) Close() error { return nil }
