// Package config loads the core's tunables (§6 "Configuration
// (enumerated)"). Loading configuration itself is an out-of-scope ambient
// concern (§1); this package is the thin adapter that turns flags/env vars
// into the typed values the rest of the core consumes.
package config

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable enumerated in spec §6.
type Config struct {
	TrustedDomains         []string
	UseJitsiJidValidation  bool

	ConferenceStartTimeout          time.Duration
	ConferenceSingleParticipantTimeout time.Duration
	MaxSsrcsPerUser                 int
	SourceSignalingDelays           map[int]time.Duration
	StripSimulcast                  bool
	EnableAutoOwner                 bool

	BridgeMaxParticipantsPerBridge int // -1 disables the cap

	OctoSCTPDatachannels bool

	VnodeJoinLatencyInterval time.Duration

	JWTAppID  string
	JWTSecret string
	JWTDomain string

	ReplyTimeout time.Duration

	BridgeGRPCAddr   string
	BridgeGRPCMethod string
}

// Load loads configuration from command-line flags, then applies
// environment variable overrides, mirroring the precedence order used
// throughout the rest of this codebase's services.
func Load() *Config {
	cfg := &Config{
		UseJitsiJidValidation:              true,
		ConferenceStartTimeout:             15 * time.Second,
		ConferenceSingleParticipantTimeout: 20 * time.Second,
		MaxSsrcsPerUser:                    50,
		SourceSignalingDelays:              DefaultSourceSignalingDelays(),
		StripSimulcast:                     false,
		EnableAutoOwner:                    true,
		BridgeMaxParticipantsPerBridge:     -1,
		OctoSCTPDatachannels:               false,
		VnodeJoinLatencyInterval:           20 * time.Second,
		ReplyTimeout:                       15 * time.Second,
		BridgeGRPCMethod:                   "/colibri.v2.Bridge/Modify",
	}

	var trustedDomains string
	flag.StringVar(&trustedDomains, "trusted-domains", "", "comma-separated list of trusted robot domains")
	flag.BoolVar(&cfg.UseJitsiJidValidation, "strict-jid-validation", cfg.UseJitsiJidValidation, "use strict occupant JID parsing")
	flag.DurationVar(&cfg.ConferenceStartTimeout, "conference-start-timeout", cfg.ConferenceStartTimeout, "allocation deadline from first join")
	flag.DurationVar(&cfg.ConferenceSingleParticipantTimeout, "single-participant-timeout", cfg.ConferenceSingleParticipantTimeout, "lone-participant destruction deadline")
	flag.IntVar(&cfg.MaxSsrcsPerUser, "max-ssrcs-per-user", cfg.MaxSsrcsPerUser, "ceiling on sources per endpoint")
	flag.BoolVar(&cfg.StripSimulcast, "strip-simulcast", cfg.StripSimulcast, "filter simulcast from outbound source lists")
	flag.BoolVar(&cfg.EnableAutoOwner, "enable-auto-owner", cfg.EnableAutoOwner, "first non-visitor becomes owner")
	flag.IntVar(&cfg.BridgeMaxParticipantsPerBridge, "bridge-max-participants", cfg.BridgeMaxParticipantsPerBridge, "-1 to disable cap")
	flag.BoolVar(&cfg.OctoSCTPDatachannels, "octo-sctp-datachannels", cfg.OctoSCTPDatachannels, "use SCTP instead of websocket on relays")
	flag.DurationVar(&cfg.VnodeJoinLatencyInterval, "vnode-join-latency", cfg.VnodeJoinLatencyInterval, "visitor-invite counter window")
	flag.StringVar(&cfg.JWTAppID, "jwt-app-id", "", "JWT app id")
	flag.StringVar(&cfg.JWTSecret, "jwt-secret", "", "JWT secret")
	flag.StringVar(&cfg.JWTDomain, "jwt-domain", "", "JWT domain")
	flag.DurationVar(&cfg.ReplyTimeout, "reply-timeout", cfg.ReplyTimeout, "bridge request reply timeout")
	flag.StringVar(&cfg.BridgeGRPCAddr, "bridge-grpc-addr", "", "gRPC endpoint shared by known bridges (empty = in-process transport)")
	flag.StringVar(&cfg.BridgeGRPCMethod, "bridge-grpc-method", cfg.BridgeGRPCMethod, "fully-qualified RPC method path for bridge requests")

	flag.Parse()

	cfg.TrustedDomains = parseList(trustedDomains)

	if v := os.Getenv("TRUSTED_DOMAINS"); v != "" {
		cfg.TrustedDomains = parseList(v)
	}
	if v := os.Getenv("STRICT_JID_VALIDATION"); v != "" {
		cfg.UseJitsiJidValidation = parseBool(v, cfg.UseJitsiJidValidation)
	}
	if v := os.Getenv("CONFERENCE_START_TIMEOUT"); v != "" {
		cfg.ConferenceStartTimeout = parseDuration(v, cfg.ConferenceStartTimeout)
	}
	if v := os.Getenv("SINGLE_PARTICIPANT_TIMEOUT"); v != "" {
		cfg.ConferenceSingleParticipantTimeout = parseDuration(v, cfg.ConferenceSingleParticipantTimeout)
	}
	if v := os.Getenv("MAX_SSRCS_PER_USER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSsrcsPerUser = n
		}
	}
	if v := os.Getenv("BRIDGE_MAX_PARTICIPANTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BridgeMaxParticipantsPerBridge = n
		}
	}
	if v := os.Getenv("JWT_APP_ID"); v != "" {
		cfg.JWTAppID = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("JWT_DOMAIN"); v != "" {
		cfg.JWTDomain = v
	}
	if v := os.Getenv("BRIDGE_GRPC_ADDR"); v != "" {
		cfg.BridgeGRPCAddr = v
	}

	return cfg
}

// DefaultSourceSignalingDelays returns the default conferenceSize → delay
// step function used to coalesce source add/remove bursts (§4.5, §6).
func DefaultSourceSignalingDelays() map[int]time.Duration {
	return map[int]time.Duration{
		0:  0,
		10: 2 * time.Second,
		20: 4 * time.Second,
		50: 6 * time.Second,
	}
}

// SourceSignalingDelay returns the delay configured for the largest
// threshold not exceeding conferenceSize.
func (c *Config) SourceSignalingDelay(conferenceSize int) time.Duration {
	best := time.Duration(0)
	bestThreshold := -1
	for threshold, delay := range c.SourceSignalingDelays {
		if threshold <= conferenceSize && threshold > bestThreshold {
			bestThreshold = threshold
			best = delay
		}
	}
	return best
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBool(s string, fallback bool) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fallback
	}
	return b
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
