package orchestrator

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	defaultMaxAttempts            = 3
	defaultProgressMinIntervalMs  = 300
	defaultProgressMinDelta       = 1
	defaultRequestTimeout         = 300 * time.Second
	minMaxAttempts                = 1
	maxMaxAttempts                = 10
	maxProgressMinIntervalMs      = 10_000
)

// rawOptions decodes the wire shape from spec §6.1. Fields use pointers so
// DecodeOptions can tell "absent" from "zero value" and apply defaults
// accordingly.
type rawOptions struct {
	MaxAttempts           *int     `json:"maxAttempts,omitempty"`
	EnableProgress        *bool    `json:"enableProgress,omitempty"`
	ProgressMinIntervalMs *int     `json:"progressMinIntervalMs,omitempty"`
	ProgressMinDelta      *int     `json:"progressMinDelta,omitempty"`
	RequestTimeoutMs      *int     `json:"requestTimeoutMs,omitempty"`
	LLMTemperature        *float64 `json:"llmTemperature,omitempty"`
	LLMMaxTokens          *int     `json:"llmMaxTokens,omitempty"`
}

// DecodeOptions parses the caller-supplied options map into a validated
// Options struct. Recognized keys are validated against their documented
// ranges, and an out-of-range value is returned as an error; unrecognized keys are copied into Options.Extra
// verbatim so they survive into telemetry attributes without affecting
// orchestrator behavior, per spec §3 "Unknown keys are ignored but
// preserved in telemetry attributes."
func DecodeOptions(raw map[string]any) (Options, error) {
	opts := Options{
		MaxAttempts:           defaultMaxAttempts,
		ProgressMinIntervalMs: defaultProgressMinIntervalMs,
		ProgressMinDelta:      defaultProgressMinDelta,
		EnableProgress:        true,
		RequestTimeout:        defaultRequestTimeout,
	}
	if len(raw) == 0 {
		return opts, nil
	}

	known := map[string]bool{
		"maxAttempts": true, "enableProgress": true, "progressMinIntervalMs": true,
		"progressMinDelta": true, "requestTimeoutMs": true, "llmTemperature": true,
		"llmMaxTokens": true,
	}
	extra := make(map[string]any)
	for k, v := range raw {
		if !known[k] {
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		opts.Extra = extra
	}

	buf, err := json.Marshal(raw)
	if err != nil {
		return Options{}, fmt.Errorf("encode options: %w", err)
	}
	var parsed rawOptions
	if err := json.Unmarshal(buf, &parsed); err != nil {
		return Options{}, fmt.Errorf("decode options: %w", err)
	}

	if parsed.MaxAttempts != nil {
		if *parsed.MaxAttempts < minMaxAttempts || *parsed.MaxAttempts > maxMaxAttempts {
			return Options{}, fmt.Errorf("maxAttempts must be between %d and %d", minMaxAttempts, maxMaxAttempts)
		}
		opts.MaxAttempts = *parsed.MaxAttempts
	}
	if parsed.EnableProgress != nil {
		opts.EnableProgress = *parsed.EnableProgress
	}
	if parsed.ProgressMinIntervalMs != nil {
		if *parsed.ProgressMinIntervalMs < 0 || *parsed.ProgressMinIntervalMs > maxProgressMinIntervalMs {
			return Options{}, fmt.Errorf("progressMinIntervalMs must be between 0 and %d", maxProgressMinIntervalMs)
		}
		opts.ProgressMinIntervalMs = *parsed.ProgressMinIntervalMs
	}
	if parsed.ProgressMinDelta != nil {
		if *parsed.ProgressMinDelta < 0 {
			return Options{}, fmt.Errorf("progressMinDelta must be >= 0")
		}
		opts.ProgressMinDelta = *parsed.ProgressMinDelta
	}
	if parsed.RequestTimeoutMs != nil {
		if *parsed.RequestTimeoutMs <= 0 {
			return Options{}, fmt.Errorf("requestTimeoutMs must be > 0")
		}
		opts.RequestTimeout = time.Duration(*parsed.RequestTimeoutMs) * time.Millisecond
	}
	opts.LLMTemperature = parsed.LLMTemperature
	opts.LLMMaxTokens = parsed.LLMMaxTokens

	return opts, nil
}

// Attrs renders the options (including preserved unknown keys) as a flat
// telemetry attribute map.
func (o Options) Attrs() map[string]any {
	attrs := map[string]any{
		"maxAttempts":           o.MaxAttempts,
		"progressMinIntervalMs": o.ProgressMinIntervalMs,
		"progressMinDelta":      o.ProgressMinDelta,
		"enableProgress":        o.EnableProgress,
	}
	for k, v := range o.Extra {
		attrs["extra."+k] = v
	}
	return attrs
}
