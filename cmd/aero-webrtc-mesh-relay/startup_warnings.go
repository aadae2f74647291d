package main

import (
	"log/slog"
	"slices"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/origin"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if slices.Contains(cfg.AllowedOrigins, origin.Wildcard) && cfg.Mode == config.ModeProd {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' while --mode=prod (any site can open signaling connections)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.ResumeWindow <= 0 {
		logger.Info("resume window disabled: reconnecting clients get a fresh identity and peers renegotiate",
			"warning_code", "resume_window_disabled",
			"resume_window", cfg.ResumeWindow,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-connection memory exposure)",
			"warning_code", "max_signaling_message_bytes_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if len(cfg.ICEServers) == 0 {
		logger.Warn("no ICE servers configured: peers behind NAT will only connect over host candidates",
			"warning_code", "ice_servers_empty",
			"mode", cfg.Mode,
		)
	}
}
