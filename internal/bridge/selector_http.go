package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// HTTPSelector delegates bridge selection to an external HTTP service,
// falling back to a built-in strategy on transport failure or when the
// response carries no selected_bridge_index (§4.3 "An alternative
// strategy delegating to an external HTTP service"), grounded on the
// chain-of-resolvers fallback composition used elsewhere in this codebase.
type HTTPSelector struct {
	Client   *http.Client
	URL      string
	Fallback Selector
}

// NewHTTPSelector constructs an HTTPSelector with a bounded-timeout client.
func NewHTTPSelector(url string, fallback Selector) *HTTPSelector {
	return &HTTPSelector{
		Client:   &http.Client{Timeout: 2 * time.Second},
		URL:      url,
		Fallback: fallback,
	}
}

type selectRequest struct {
	Region     string   `json:"region"`
	BridgeIDs  []string `json:"bridge_ids"`
}

type selectResponse struct {
	SelectedBridgeIndex *int `json:"selected_bridge_index"`
}

// Select calls the external service; candidates[*resp.SelectedBridgeIndex]
// is returned on success. Any transport error, non-2xx response, or a
// missing index falls back to s.Fallback.
func (s *HTTPSelector) Select(ctx context.Context, candidates []*Bridge, conferenceBridges []*Bridge, participantCounts map[string]int, participant Participant) (*Bridge, error) {
	ids := make([]string, len(candidates))
	for i, b := range candidates {
		ids[i] = b.ID
	}

	body, err := json.Marshal(selectRequest{Region: participant.Region, BridgeIDs: ids})
	if err != nil {
		return s.Fallback.Select(ctx, candidates, conferenceBridges, participantCounts, participant)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return s.Fallback.Select(ctx, candidates, conferenceBridges, participantCounts, participant)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		slog.Warn("[BridgeSelector] external selection request failed, falling back", "error", err)
		return s.Fallback.Select(ctx, candidates, conferenceBridges, participantCounts, participant)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("[BridgeSelector] external selection returned non-2xx, falling back", "status", resp.StatusCode)
		return s.Fallback.Select(ctx, candidates, conferenceBridges, participantCounts, participant)
	}

	var decoded selectResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		slog.Warn("[BridgeSelector] external selection response undecodable, falling back", "error", err)
		return s.Fallback.Select(ctx, candidates, conferenceBridges, participantCounts, participant)
	}

	if decoded.SelectedBridgeIndex == nil {
		slog.Warn("[BridgeSelector] external selection response missing selected_bridge_index, falling back")
		return s.Fallback.Select(ctx, candidates, conferenceBridges, participantCounts, participant)
	}

	idx := *decoded.SelectedBridgeIndex
	if idx < 0 || idx >= len(candidates) {
		slog.Warn("[BridgeSelector] external selection index out of range, falling back", "index", idx)
		return s.Fallback.Select(ctx, candidates, conferenceBridges, participantCounts, participant)
	}

	return candidates[idx], nil
}
