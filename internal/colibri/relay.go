package colibri

import (
	"fmt"
	"sync"

	"github.com/gobwas/ws"
)

// Cascade is the directed graph whose nodes are bridges and whose edges
// are labeled by a mesh id (§3). Within a mesh the graph is a clique;
// removing a node's last incident edge removes the node.
type Cascade struct {
	mu    sync.Mutex
	edges map[string]map[string]string // bridgeID -> peerBridgeID -> meshID
}

// NewCascade constructs an empty cascade.
func NewCascade() *Cascade {
	return &Cascade{edges: make(map[string]map[string]string)}
}

// Join adds bridgeID to meshID's clique, wiring a bidirectional edge to
// every bridge already in that mesh (§4.4 "Every new bridge joins a
// single global mesh by default").
func (c *Cascade) Join(bridgeID, meshID string, existingMembers []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.edges[bridgeID] == nil {
		c.edges[bridgeID] = make(map[string]string)
	}
	for _, peer := range existingMembers {
		if peer == bridgeID {
			continue
		}
		if c.edges[peer] == nil {
			c.edges[peer] = make(map[string]string)
		}
		c.edges[bridgeID][peer] = meshID
		c.edges[peer][bridgeID] = meshID
	}
}

// Leave removes bridgeID and its edges to every peer; a peer left with no
// edge is removed as well (§3 invariant).
func (c *Cascade) Leave(bridgeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for peer := range c.edges[bridgeID] {
		delete(c.edges[peer], bridgeID)
		if len(c.edges[peer]) == 0 {
			delete(c.edges, peer)
		}
	}
	delete(c.edges, bridgeID)
}

// Peers returns the bridges bridgeID currently relays to.
func (c *Cascade) Peers(bridgeID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.edges[bridgeID]))
	for peer := range c.edges[bridgeID] {
		out = append(out, peer)
	}
	return out
}

// Connected reports whether a and b are reachable through some path of
// relays, the invariant the "two endpoints in Established on different
// bridges" property requires (§8 property invariant 4).
func (c *Cascade) Connected(a, b string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a == b {
		return true
	}

	visited := map[string]bool{a: true}
	queue := []string{a}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for peer := range c.edges[cur] {
			if peer == b {
				return true
			}
			if !visited[peer] {
				visited[peer] = true
				queue = append(queue, peer)
			}
		}
	}
	return false
}

// RelayRole describes one side's half of a relay pair. The two ends of a
// relay use complementary roles derived from a single boolean initiator
// flag whose value must differ at the two ends (§4.4).
type RelayRole struct {
	Initiator bool

	// ICEControlling mirrors Initiator: the initiating side is
	// ICE-controlling.
	ICEControlling bool
	// DTLSSetup is "active" for the initiator, "passive" for the peer,
	// and is sent as-is in that side's create-relay directive. The
	// manager does not forward one bridge's transport description to the
	// other, so no received "actpass" setup is rewritten.
	DTLSSetup string
	// SCTPClient mirrors Initiator.
	SCTPClient bool
	// BridgeChannelActive mirrors Initiator; ResolveBridgeChannel uses it
	// to decide whether this side offers a websocket handshake.
	BridgeChannelActive bool
}

// ComplementaryRoles returns the two ends of a relay, guaranteeing the
// initiator value differs between them (§4.4).
func ComplementaryRoles(useSCTPDatachannels bool) (initiatorSide, peerSide RelayRole) {
	initiatorSide = RelayRole{
		Initiator:           true,
		ICEControlling:      true,
		DTLSSetup:           "active",
		SCTPClient:          true,
		BridgeChannelActive: true,
	}
	peerSide = RelayRole{
		Initiator:           false,
		ICEControlling:      false,
		DTLSSetup:           "passive",
		SCTPClient:          false,
		BridgeChannelActive: false,
	}
	_ = useSCTPDatachannels
	return initiatorSide, peerSide
}

// BridgeChannelKind distinguishes how a relay's bridge-channel is carried.
type BridgeChannelKind string

const (
	BridgeChannelWebsocket BridgeChannelKind = "websocket"
	BridgeChannelSCTP      BridgeChannelKind = "sctp"
)

// ResolveBridgeChannel decides, for one side of a relay, whether the
// bridge-channel is websocket- or SCTP-backed, and whether this endpoint
// is the client. octoSCTPDatachannels corresponds to §6's
// octo.sctpDatachannels config flag.
//
// Per §9's Open Question, when the channel is websocket-backed and this
// side must not act as client, the websocket child extension is dropped
// from the outgoing handshake offer entirely rather than negotiated with
// a passive role — preserving the observed rule from the source protocol.
func ResolveBridgeChannel(octoSCTPDatachannels bool, role RelayRole) (kind BridgeChannelKind, offerHandshake bool) {
	if octoSCTPDatachannels {
		return BridgeChannelSCTP, true
	}
	if !role.BridgeChannelActive {
		return BridgeChannelWebsocket, false
	}
	return BridgeChannelWebsocket, true
}

// BuildBridgeChannelUpgrade returns a one-line description of the
// client-side bridge-channel handshake frame for url, built with
// gobwas/ws's header and opcode types. No literal socket is opened here
// (the bridge owns the transport — see SPEC_FULL §11), and the result is
// not stored on a ColibriAllocation.
func BuildBridgeChannelUpgrade(url string) (string, error) {
	if url == "" {
		return "", fmt.Errorf("colibri: empty bridge-channel url")
	}
	// A client-initiated text frame announcing channel negotiation; the
	// opcode/fin bits mirror what the real handshake would carry.
	header := ws.Header{
		Fin:    true,
		OpCode: ws.OpText,
		Masked: true,
	}
	return fmt.Sprintf("bridge-channel upgrade url=%s opcode=%d fin=%v", url, header.OpCode, header.Fin), nil
}
