package wfgen

import (
	"time"

	"github.com/wfgen/wfgen/internal/config"
)

// Environment keys understood by the server and client. They mirror the
// internal config keys so callers can depend on the root package only.
const (
	EnvServerAddr     = config.EnvServerAddr
	EnvServerPort     = config.EnvServerPort
	EnvPollInterval   = config.EnvPollInterval
	EnvReportRoot     = config.EnvReportRoot
	EnvUHDArgs        = config.EnvUHDArgs
	EnvJoinGrace      = config.EnvJoinGrace
	EnvLedgerDB       = config.EnvLedgerDB
	EnvMetricsAddr    = config.EnvMetricsAddr
	EnvProfileCatalog = config.EnvProfileCatalog
	EnvClientConfig   = config.EnvClientConfig
	EnvClientTimeout  = config.EnvClientTimeout
	EnvServers        = config.EnvServers
)

// Reply texts. Clients and operators match on these, so they stay stable.
const (
	ReplyPong            = "pong"
	ReplyFound           = "Found:\n"
	ReplyInvalidCommand  = "Invalid command: "
	ReplyNotMyRadio      = "not my radio -> "
	ReplyRadioInUse      = "Radio is still in use"
	ReplyLaunchFailed    = "Unable to launch last command"
	ReplyStarting        = "Starting process"
	ReplyKilling         = "Killing process"
	ReplyNoProcess       = "No process"
	ReplyNoActive        = "No Active Processes"
	ReplyNoFinished      = "No Finished Processes"
	ReplyRandomRun       = "Starting random run:"
	ReplyScriptedRun     = "Starting scripted run:"
	ReplyGetRadiosFirst  = "Get radios FIRST!"
	ReplyNoValidRadios   = "Got your request, no valid radios here."
	ReplyReport          = "report"
	ReplyShuttingDown    = "Shutting down"
	ReplyValidCommands   = "Valid commands:"
)

// Defaults applied by NewServer and NewClient.
const (
	DefaultPollInterval  = time.Second
	DefaultJoinGrace     = 10 * time.Second
	DefaultClientTimeout = 5 * time.Second
)
