package session

import (
	"os"
	"runtime"
	"strconv"
	"time"

	"live_agent/internal/core"
	"live_agent/internal/events"
	"live_agent/pkg/telemetry"

	"github.com/prometheus/procfs"
)

const (
	watchdogInterval  = 1 * time.Second
	heartbeatMaxAge   = 60 * time.Second
	watchdogGrace     = 5 * time.Second
	memoryLimitEnvVar = "LA_MAX_MEMORY_MB"
	defaultMaxMemMB   = 1500
)

// hardwareWatchdog is the last line of liveness defense. It runs on a
// dedicated OS thread outside the task group, reads the heartbeat stamp
// the cooperative loop maintains, and force-exits the process when the
// loop freezes or RSS blows past the memory cap. A graceful shutdown is
// requested first; the exit fires after a short grace period regardless.
type hardwareWatchdog struct {
	coord  *Coordinator
	logger core.ILogger

	maxHeartbeatAge time.Duration
	maxRSSBytes     uint64
	interval        time.Duration
	grace           time.Duration

	// test seams
	exit    func(code int)
	readRSS func() (uint64, bool)
}

func newHardwareWatchdog(c *Coordinator, logger core.ILogger) *hardwareWatchdog {
	maxMB := defaultMaxMemMB
	if raw := os.Getenv(memoryLimitEnvVar); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			maxMB = v
		}
	}

	return &hardwareWatchdog{
		coord:           c,
		logger:          logger.WithField("component", "hardware_watchdog"),
		maxHeartbeatAge: heartbeatMaxAge,
		maxRSSBytes:     uint64(maxMB) * 1024 * 1024,
		interval:        watchdogInterval,
		grace:           watchdogGrace,
		exit:            os.Exit,
		readRSS:         readSelfRSS,
	}
}

// readSelfRSS reads the process resident set size from procfs.
func readSelfRSS() (uint64, bool) {
	proc, err := procfs.Self()
	if err != nil {
		return 0, false
	}
	stat, err := proc.Stat()
	if err != nil {
		return 0, false
	}
	return uint64(stat.ResidentMemory()), true
}

// run loops until it fires or the session stops. It never returns through
// the task group; an exit here is deliberate and terminal.
func (w *hardwareWatchdog) run() {
	// Independent OS thread so a stalled scheduler cannot starve us
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		select {
		case <-w.coord.shutdownCh:
			return
		case <-time.After(w.interval):
		}

		age := time.Duration(w.coord.monotonicNS() - w.coord.heartbeatNS.Load())
		ageSec := age.Seconds()
		telemetry.GetGlobalMetrics().SetHeartbeatAge(w.coord.cfg.Session.Symbol, ageSec)

		if age > w.maxHeartbeatAge {
			w.fire(ReasonWatchdogFrozen, map[string]interface{}{
				"heartbeat_age_sec": ageSec,
			})
			return
		}

		if rss, ok := w.readRSS(); ok && rss > w.maxRSSBytes {
			w.fire(ReasonMemoryLimit, map[string]interface{}{
				"rss_bytes": rss,
				"limit":     w.maxRSSBytes,
			})
			return
		}
	}
}

// fire logs, records the WatchdogExit event, requests graceful shutdown,
// and force-exits after the grace period.
func (w *hardwareWatchdog) fire(reason Reason, detail map[string]interface{}) {
	w.logger.Error("Hardware watchdog firing", "reason", reason)

	payload := map[string]interface{}{"reason": string(reason)}
	for k, v := range detail {
		payload[k] = v
	}
	if err := w.coord.eventLog.Append(events.EventWatchdogExit, payload); err != nil {
		w.logger.Error("Failed to append WatchdogExit event", "error", err)
	}

	w.coord.requestShutdown(reason)
	time.Sleep(w.grace)
	w.exit(1)
}
