package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Kineviz/pdf-km-server/internal/cluster"
	"github.com/Kineviz/pdf-km-server/internal/job"
)

// API exposes job submission, polling and cluster management over HTTP. It
// is the boundary consumed by the presentation layer; all state lives in the
// tracker and registry.
type API struct {
	tracker  *job.Tracker
	queue    *job.Queue
	registry *cluster.Registry
	monitor  *cluster.Monitor
}

// New creates the API handler set.
func New(tracker *job.Tracker, queue *job.Queue, registry *cluster.Registry, monitor *cluster.Monitor) *API {
	return &API{
		tracker:  tracker,
		queue:    queue,
		registry: registry,
		monitor:  monitor,
	}
}

// SubmitRequest is the job submission payload: the document is already
// chunked by the caller.
type SubmitRequest struct {
	Chunks []string `json:"chunks" binding:"required"`
	Model  string   `json:"model"`
}

// RegisterRoutes attaches all endpoints to the engine.
func (a *API) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", a.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	g := r.Group("/api")
	g.POST("/jobs", a.submitJob)
	g.GET("/jobs", a.listJobs)
	g.GET("/jobs/:id", a.jobStatus)
	g.GET("/jobs/:id/results", a.jobResults)
	g.DELETE("/jobs/:id", a.cancelJob)

	g.GET("/cluster", a.clusterStatus)
	g.POST("/cluster/check", a.forceCheck)
}

func (a *API) submitJob(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Chunks) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chunks must not be empty"})
		return
	}

	id, err := a.queue.Submit(req.Chunks, req.Model)
	if err != nil {
		if errors.Is(err, job.ErrQueueFull) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"job_id": id})
}

func (a *API) listJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": a.tracker.List()})
}

func (a *API) jobStatus(c *gin.Context) {
	snap, err := a.tracker.Status(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (a *API) jobResults(c *gin.Context) {
	id := c.Param("id")
	results, err := a.tracker.Results(id)
	if err != nil {
		switch {
		case errors.Is(err, job.ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.Is(err, job.ErrJobNotFinished):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	type chunkResult struct {
		Index    int    `json:"chunk_index"`
		Content  string `json:"content,omitempty"`
		Server   string `json:"server,omitempty"`
		Attempts int    `json:"attempts"`
		Failed   bool   `json:"failed"`
		Error    string `json:"error,omitempty"`
	}

	out := make([]chunkResult, 0, len(results))
	for _, res := range results {
		cr := chunkResult{
			Index:    res.Index,
			Content:  res.Content,
			Server:   res.Server,
			Attempts: res.Attempts,
			Failed:   res.Failed(),
		}
		if res.Err != nil {
			cr.Error = res.Err.Error()
		}
		out = append(out, cr)
	}
	c.JSON(http.StatusOK, gin.H{"job_id": id, "results": out})
}

func (a *API) cancelJob(c *gin.Context) {
	id := c.Param("id")
	if err := a.tracker.Cancel(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": id, "cancelled": true})
}

func (a *API) clusterStatus(c *gin.Context) {
	statuses := a.registry.Snapshot()
	active := 0
	for _, s := range statuses {
		if s.Active {
			active++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"total_servers":  len(statuses),
		"active_servers": active,
		"servers":        statuses,
	})
}

// forceCheck re-probes inactive servers on demand, mirroring the manual
// reconnect button in the UI.
func (a *API) forceCheck(c *gin.Context) {
	reactivated := a.monitor.CheckInactive(c.Request.Context())
	a.clusterStatusWith(c, reactivated)
}

func (a *API) clusterStatusWith(c *gin.Context, reactivated int) {
	statuses := a.registry.Snapshot()
	active := 0
	for _, s := range statuses {
		if s.Active {
			active++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"reactivated":    reactivated,
		"total_servers":  len(statuses),
		"active_servers": active,
		"servers":        statuses,
	})
}

func (a *API) health(c *gin.Context) {
	statuses := a.registry.Snapshot()
	active := 0
	for _, s := range statuses {
		if s.Active {
			active++
		}
	}

	status := "ok"
	httpStatus := http.StatusOK
	if active == 0 {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"timestamp": time.Now(),
		"services": gin.H{
			"cluster": gin.H{
				"status":         status,
				"active_servers": active,
				"total_servers":  len(statuses),
			},
		},
	})
}
