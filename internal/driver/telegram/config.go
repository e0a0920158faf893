package telegram

import (
	"cmp"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	defaultRuntimeSessionFile  = ".cache/telegram/session.json"
	defaultRuntimePublishDelay = 2 * time.Second
	defaultRuntimeAuthTimeout  = 3 * time.Minute
	defaultRuntimeUpdateBuffer = 256
)

// runtimeConfig is the JSON payload of one telegram entry in drivers[].
type runtimeConfig struct {
	AppID       int    `json:"app_id"`
	AppHash     string `json:"app_hash"`
	Phone       string `json:"phone"`
	Password    string `json:"password"`
	Code        string `json:"code"`
	SessionFile string `json:"session_file"`

	UpdateBuffer   int    `json:"update_buffer"`
	PublishTimeout string `json:"publish_timeout"`
	RPCTimeout     string `json:"rpc_timeout"`
	AuthTimeout    string `json:"auth_timeout"`
	ReplayWindow   string `json:"replay_window"`
}

// loginConfig holds what the interactive user flow needs.
type loginConfig struct {
	phone       string
	password    string
	code        string
	sessionFile string
	authTimeout time.Duration
}

type parsedRuntimeConfig struct {
	loginConfig

	appID          int
	appHash        string
	updateBuffer   int
	publishTimeout time.Duration
	rpcTimeout     time.Duration
	replayWindow   time.Duration
}

func parseRuntimeConfig(raw []byte) (parsedRuntimeConfig, error) {
	if len(raw) == 0 {
		return parsedRuntimeConfig{}, fmt.Errorf("missing config")
	}

	var payload runtimeConfig
	if err := json.Unmarshal(raw, &payload); err != nil {
		return parsedRuntimeConfig{}, fmt.Errorf("unmarshal: %w", err)
	}

	cfg := parsedRuntimeConfig{
		loginConfig: loginConfig{
			phone:       strings.TrimSpace(payload.Phone),
			password:    strings.TrimSpace(payload.Password),
			code:        strings.TrimSpace(payload.Code),
			sessionFile: cmp.Or(strings.TrimSpace(payload.SessionFile), defaultRuntimeSessionFile),
			authTimeout: defaultRuntimeAuthTimeout,
		},
		appID:          payload.AppID,
		appHash:        strings.TrimSpace(payload.AppHash),
		updateBuffer:   payload.UpdateBuffer,
		publishTimeout: defaultRuntimePublishDelay,
		rpcTimeout:     defaultGatewayTimeout,
		replayWindow:   defaultReplayWindow,
	}
	if cfg.updateBuffer <= 0 {
		cfg.updateBuffer = defaultRuntimeUpdateBuffer
	}

	durations := []struct {
		key   string
		raw   string
		field *time.Duration
	}{
		{key: "publish_timeout", raw: payload.PublishTimeout, field: &cfg.publishTimeout},
		{key: "rpc_timeout", raw: payload.RPCTimeout, field: &cfg.rpcTimeout},
		{key: "auth_timeout", raw: payload.AuthTimeout, field: &cfg.authTimeout},
		{key: "replay_window", raw: payload.ReplayWindow, field: &cfg.replayWindow},
	}
	for _, duration := range durations {
		if err := parsePositiveDuration(duration.raw, duration.field); err != nil {
			return parsedRuntimeConfig{}, fmt.Errorf("parse %s: %w", duration.key, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return parsedRuntimeConfig{}, err
	}

	return cfg, nil
}

func (c parsedRuntimeConfig) validate() error {
	if c.appID <= 0 {
		return fmt.Errorf("app_id must be > 0")
	}
	if c.appHash == "" {
		return fmt.Errorf("app_hash is required")
	}

	return nil
}

// parsePositiveDuration leaves field untouched when raw is blank.
func parsePositiveDuration(raw string, field *time.Duration) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	if value <= 0 {
		return fmt.Errorf("must be > 0")
	}
	*field = value

	return nil
}
