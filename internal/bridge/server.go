// Package bridge is the local HTTP + WebSocket face of the server: REST
// endpoints mirroring the tool catalog, a change-event WebSocket channel,
// and Prometheus metrics. Binding is loopback only.
package bridge

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"membank/internal/backup"
	"membank/internal/bus"
	"membank/internal/config"
	"membank/internal/dispatch"
	"membank/internal/logging"
	"membank/internal/memcore"
	"membank/internal/memory"
	"membank/internal/task"
)

// portProbeRange is how many ports past the preferred one the bridge tries
// before giving up.
const portProbeRange = 50

var (
	memoriesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "membank_memories",
		Help: "Indexed memory records.",
	})
	tasksGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "membank_tasks",
		Help: "Indexed tasks.",
	})
	wsClientsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "membank_ws_clients",
		Help: "Connected WebSocket clients.",
	})
)

// Deps are the engines the bridge serves.
type Deps struct {
	Settings   *config.Store
	Memories   *memory.Store
	Tasks      *task.Store
	Dispatcher *dispatch.Dispatcher
	Events     *bus.Bus
	Backups    *backup.Manager
}

// Server is the running bridge.
type Server struct {
	deps     Deps
	logger   logging.Logger
	engine   *gin.Engine
	http     *http.Server
	hub      *hub
	listener net.Listener
	port     atomic.Int32
	portFile string
}

// New builds the bridge without binding a port yet.
func New(deps Deps, portFile string, logger logging.Logger) *Server {
	logger = logging.OrNop(logger)
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	settings := deps.Settings.Current()
	corsConfig := cors.DefaultConfig()
	if len(settings.Server.CORSOrigins) > 0 {
		corsConfig.AllowOrigins = settings.Server.CORSOrigins
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Requested-With"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	s := &Server{
		deps:     deps,
		logger:   logger,
		engine:   engine,
		hub:      newHub(deps, logger),
		portFile: portFile,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.engine.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/health", s.handleHealth)

	api.GET("/memories", s.handleListMemories)
	api.POST("/memories", s.handleAddMemory)
	api.GET("/memories/:id", s.handleGetMemory)
	api.PUT("/memories/:id", s.handleUpdateMemory)
	api.DELETE("/memories/:id", s.handleDeleteMemory)

	api.GET("/tasks", s.handleListTasks)
	api.POST("/tasks", s.handleCreateTask)
	api.GET("/tasks/:id", s.handleGetTask)
	api.PATCH("/tasks/:id", s.handleUpdateTask)
	api.DELETE("/tasks/:id", s.handleDeleteTask)

	api.POST("/mcp-tools/:name", s.handleToolCall)

	s.engine.GET("/ws", s.hub.handleUpgrade)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Start probes for a free loopback port starting at the preferred one,
// writes the port file, and serves until Shutdown.
func (s *Server) Start() error {
	settings := s.deps.Settings.Current()
	host := settings.Server.Host
	if !isLoopback(host) {
		s.logger.Warn("refusing non-loopback bind host %q, using 127.0.0.1", host)
		host = "127.0.0.1"
	}

	preferred := settings.Server.Port
	if preferred <= 0 {
		preferred = 3001
	}
	s.http = &http.Server{
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	var listener net.Listener
	var err error
	for port := preferred; port < preferred+portProbeRange; port++ {
		listener, err = net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			s.port.Store(int32(port))
			break
		}
	}
	if listener == nil {
		return memcore.IO("bind dashboard port", fmt.Errorf("no free port in %d-%d: %w",
			preferred, preferred+portProbeRange-1, err))
	}
	s.listener = listener

	if s.portFile != "" {
		if err := os.WriteFile(s.portFile, []byte(strconv.Itoa(s.Port())+"\n"), 0o644); err != nil {
			s.logger.Warn("write port file: %v", err)
		}
	}

	if settings.Features.EnableWebSocket {
		s.hub.start()
	}

	s.logger.Info("dashboard bridge listening on %s:%d", host, s.Port())
	if err := s.http.Serve(listener); err != nil && err != http.ErrServerClosed {
		return memcore.IO("serve dashboard", err)
	}
	return nil
}

// Port reports the bound port (0 before Start).
func (s *Server) Port() int { return int(s.port.Load()) }

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Shutdown drains connections and removes the port file.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.stop()
	if s.portFile != "" {
		if err := os.Remove(s.portFile); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("remove port file: %v", err)
		}
	}
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func isLoopback(host string) bool {
	if host == "localhost" || host == "" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) handleStatus(c *gin.Context) {
	memoriesGauge.Set(float64(s.deps.Memories.Count()))
	tasksGauge.Set(float64(s.deps.Tasks.Count()))
	c.JSON(http.StatusOK, gin.H{
		"server":      "Dashboard Bridge",
		"status":      "ok",
		"memoryCount": s.deps.Memories.Count(),
		"taskCount":   s.deps.Tasks.Count(),
		"port":        s.Port(),
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	payload := gin.H{
		"status":      "ok",
		"memoryCount": s.deps.Memories.Count(),
		"taskCount":   s.deps.Tasks.Count(),
		"wsClients":   s.hub.clientCount(),
	}
	if s.deps.Backups != nil {
		settings := s.deps.Settings.Current()
		interval := time.Duration(settings.Features.BackupIntervalSec) * time.Second
		if health, err := s.deps.Backups.Probe(interval); err == nil {
			payload["backups"] = health
		}
	}
	c.JSON(http.StatusOK, payload)
}

func (s *Server) handleListMemories(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	c.JSON(http.StatusOK, s.deps.Memories.List(c.Query("project"), limit))
}

func (s *Server) handleAddMemory(c *gin.Context) {
	var in struct {
		Content         string   `json:"content"`
		Project         string   `json:"project"`
		Category        string   `json:"category"`
		Tags            []string `json:"tags"`
		Priority        string   `json:"priority"`
		Status          string   `json:"status"`
		RelatedMemories []string `json:"related_memories"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m, err := s.deps.Memories.Add(memory.AddInput{
		Content:         in.Content,
		Project:         in.Project,
		Category:        memory.Category(in.Category),
		Tags:            in.Tags,
		Priority:        memory.Priority(in.Priority),
		Status:          memory.Status(in.Status),
		RelatedMemories: in.RelatedMemories,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (s *Server) handleGetMemory(c *gin.Context) {
	m, err := s.deps.Memories.Get(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) handleUpdateMemory(c *gin.Context) {
	var in struct {
		Content         *string          `json:"content"`
		Project         *string          `json:"project"`
		Category        *memory.Category `json:"category"`
		Tags            *[]string        `json:"tags"`
		Priority        *memory.Priority `json:"priority"`
		Status          *memory.Status   `json:"status"`
		RelatedMemories *[]string        `json:"related_memories"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m, err := s.deps.Memories.Update(c.Param("id"), memory.Patch{
		Content:         in.Content,
		Project:         in.Project,
		Category:        in.Category,
		Tags:            in.Tags,
		Priority:        in.Priority,
		Status:          in.Status,
		RelatedMemories: in.RelatedMemories,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) handleDeleteMemory(c *gin.Context) {
	if err := s.deps.Memories.Delete(c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id")})
}

func (s *Server) handleListTasks(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	c.JSON(http.StatusOK, s.deps.Tasks.List(task.ListOptions{
		Project:  c.Query("project"),
		Status:   task.Status(c.Query("status")),
		Category: c.Query("category"),
		ParentID: c.Query("parent_id"),
		Limit:    limit,
	}))
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var in struct {
		Title             string                  `json:"title"`
		Description       string                  `json:"description"`
		Project           string                  `json:"project"`
		Status            string                  `json:"status"`
		Priority          string                  `json:"priority"`
		Category          string                  `json:"category"`
		Tags              []string                `json:"tags"`
		ParentID          string                  `json:"parent_id"`
		Level             string                  `json:"level"`
		MemoryConnections []task.MemoryConnection `json:"memory_connections"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	created, err := s.deps.Tasks.Create(task.CreateInput{
		Title:             in.Title,
		Description:       in.Description,
		Project:           in.Project,
		Status:            task.Status(in.Status),
		Priority:          task.Priority(in.Priority),
		Category:          in.Category,
		Tags:              in.Tags,
		ParentID:          in.ParentID,
		Level:             task.Level(in.Level),
		MemoryConnections: in.MemoryConnections,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) handleGetTask(c *gin.Context) {
	t, err := s.deps.Tasks.Get(c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleUpdateTask(c *gin.Context) {
	var in struct {
		Title             *string                  `json:"title"`
		Description       *string                  `json:"description"`
		Status            *task.Status             `json:"status"`
		Priority          *task.Priority           `json:"priority"`
		Category          *string                  `json:"category"`
		Tags              *[]string                `json:"tags"`
		ParentID          *string                  `json:"parent_id"`
		Level             *task.Level              `json:"level"`
		MemoryConnections *[]task.MemoryConnection `json:"memory_connections"`
	}
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	updated, err := s.deps.Tasks.Update(c.Param("id"), task.Patch{
		Title:             in.Title,
		Description:       in.Description,
		Status:            in.Status,
		Priority:          in.Priority,
		Category:          in.Category,
		Tags:              in.Tags,
		ParentID:          in.ParentID,
		Level:             in.Level,
		MemoryConnections: in.MemoryConnections,
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (s *Server) handleDeleteTask(c *gin.Context) {
	cascade := c.Query("cascade") == "true"
	if err := s.deps.Tasks.Delete(c.Param("id"), cascade); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id")})
}

// handleToolCall is the generic dispatcher passthrough.
func (s *Server) handleToolCall(c *gin.Context) {
	var args map[string]any
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&args); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	result, err := s.deps.Dispatcher.Dispatch(c.Request.Context(), c.Param("name"), args)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// writeError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	kind := memcore.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case memcore.KindInvalidInput:
		status = http.StatusBadRequest
	case memcore.KindNotFound, memcore.KindToolNotFound:
		status = http.StatusNotFound
	case memcore.KindConflict:
		status = http.StatusConflict
	case memcore.KindTimeout:
		status = http.StatusGatewayTimeout
	case memcore.KindUnauthorized:
		status = http.StatusUnauthorized
	}
	payload := gin.H{"error": err.Error(), "kind": string(kind)}
	if field := memcore.FieldOf(err); field != "" {
		payload["field"] = field
	}
	c.JSON(status, payload)
}
