package handlers

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/host"
	"github.com/igniterealtime/openfire-xmldebugger-plugin/utils"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// Version is reported by the status endpoint. Overridden at link time.
var Version = "0.1.0"

// SessionCounter reports the number of routable sessions.
type SessionCounter interface {
	SessionCount() int
}

// PipelineCounter reports open pipelines per connection category.
type PipelineCounter interface {
	Count() map[host.ConnectionType]int
}

// ClientCounter reports connected live tail clients.
type ClientCounter interface {
	ClientCount() int
}

// StatusResponse describes the running process.
type StatusResponse struct {
	Version         string         `json:"version"`
	Environment     string         `json:"environment"`
	Domain          string         `json:"domain"`
	Uptime          string         `json:"uptime"`
	Sessions        int            `json:"sessions"`
	Pipelines       map[string]int `json:"pipelines"`
	LiveTailClients int            `json:"live_tail_clients"`
	Goroutines      int            `json:"goroutines"`
	Process         *ProcessStats  `json:"process,omitempty"`
}

// ProcessStats are resource figures of this process.
type ProcessStats struct {
	PID        int32   `json:"pid"`
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	Threads    int32   `json:"threads"`
}

// StatusHandler serves GET /api/v1/debugger/status
type StatusHandler struct {
	environment string
	domain      string
	started     time.Time
	sessions    SessionCounter
	pipelines   PipelineCounter
	clients     ClientCounter
	logger      *zap.Logger
}

// NewStatusHandler creates a new StatusHandler
func NewStatusHandler(environment, domain string, sessions SessionCounter, pipelines PipelineCounter, clients ClientCounter, logger *zap.Logger) *StatusHandler {
	return &StatusHandler{
		environment: environment,
		domain:      domain,
		started:     time.Now(),
		sessions:    sessions,
		pipelines:   pipelines,
		clients:     clients,
		logger:      logger,
	}
}

// HandleStatus handles GET /api/v1/debugger/status
func (h *StatusHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	response := StatusResponse{
		Version:     Version,
		Environment: h.environment,
		Domain:      h.domain,
		Uptime:      time.Since(h.started).Round(time.Second).String(),
		Pipelines:   make(map[string]int),
		Goroutines:  runtime.NumGoroutine(),
	}
	if h.sessions != nil {
		response.Sessions = h.sessions.SessionCount()
	}
	if h.pipelines != nil {
		for t, n := range h.pipelines.Count() {
			response.Pipelines[t.String()] = n
		}
	}
	if h.clients != nil {
		response.LiveTailClients = h.clients.ClientCount()
	}

	stats, err := processStats()
	if err != nil {
		h.logger.Debug("process stats unavailable", zap.Error(err))
	} else {
		response.Process = stats
	}

	if err := utils.WriteOK(w, response); err != nil {
		h.logger.Error("failed to write status response", zap.Error(err))
	}
}

func processStats() (*ProcessStats, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	stats := &ProcessStats{PID: p.Pid}
	if mem, err := p.MemoryInfo(); err == nil {
		stats.RSSBytes = mem.RSS
	}
	if cpu, err := p.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if threads, err := p.NumThreads(); err == nil {
		stats.Threads = threads
	}
	return stats, nil
}
