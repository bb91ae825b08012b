package admin

import (
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const pauseHistorySize = 10

// RuntimeInfo is a snapshot of the process as the Go runtime sees it.
type RuntimeInfo struct {
	OS         string          `json:"os"`
	Arch       string          `json:"arch"`
	NumCPU     int             `json:"num_cpu"`
	GoVersion  string          `json:"go_version"`
	Goroutines int             `json:"goroutines"`
	HeapAlloc  uint64          `json:"heap_alloc"`
	HeapInuse  uint64          `json:"heap_inuse"`
	Sys        uint64          `json:"sys"`
	NumGC      uint32          `json:"num_gc"`
	TotalPause time.Duration   `json:"total_pause"`
	Pauses     []time.Duration `json:"recent_pauses"`
	Uptime     time.Duration   `json:"uptime"`
}

// runtimeMonitor remembers recent GC pauses between snapshots.
type runtimeMonitor struct {
	mu      sync.Mutex
	started time.Time
	lastGC  uint32
	pauses  []time.Duration
}

func newRuntimeMonitor() *runtimeMonitor {
	return &runtimeMonitor{started: time.Now()}
}

func (rm *runtimeMonitor) snapshot() RuntimeInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	rm.mu.Lock()
	// PauseNs is a ring of the last 256 pauses.
	from := rm.lastGC
	if m.NumGC > 256 && from < m.NumGC-256 {
		from = m.NumGC - 256
	}
	for i := from; i < m.NumGC; i++ {
		rm.pauses = append(rm.pauses, time.Duration(m.PauseNs[(i+255)%256]))
	}
	if len(rm.pauses) > pauseHistorySize {
		rm.pauses = rm.pauses[len(rm.pauses)-pauseHistorySize:]
	}
	rm.lastGC = m.NumGC
	pauses := append([]time.Duration(nil), rm.pauses...)
	rm.mu.Unlock()

	return RuntimeInfo{
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		NumCPU:     runtime.NumCPU(),
		GoVersion:  runtime.Version(),
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  m.HeapAlloc,
		HeapInuse:  m.HeapInuse,
		Sys:        m.Sys,
		NumGC:      m.NumGC,
		TotalPause: time.Duration(m.PauseTotalNs),
		Pauses:     pauses,
		Uptime:     time.Since(rm.started),
	}
}

func (s *Server) handleRuntime(c *gin.Context) {
	c.JSON(http.StatusOK, s.runtime.snapshot())
}
