package relay

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/proctorlink/proctorlink/internal/config"
	"github.com/proctorlink/proctorlink/internal/domain"
	"github.com/proctorlink/proctorlink/internal/relay/storage"
	"github.com/proctorlink/proctorlink/internal/relay/store"
)

type Server struct {
	hub      *Hub
	store    *store.Store
	blobs    storage.Storage
	analyzer *FrameAnalyzer // nil when no inference backends are configured
}

// SetupRouter wires the websocket hub and the REST surface. analyzer may be
// nil; /analyze-frame then answers 503.
func SetupRouter(cfg *config.RelayConfig, hub *Hub, st *store.Store, blobs storage.Storage, analyzer *FrameAnalyzer) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{hub: hub, store: st, blobs: blobs, analyzer: analyzer}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/ws", hub.HandleWS)
	r.POST("/start-session", s.startSession)
	r.POST("/log", s.logEvent)
	r.POST("/upload-video", s.uploadVideo)
	r.GET("/report/:sessionId", s.report)
	r.POST("/analyze-frame", s.analyzeFrame)

	log.Info().Str("module", "relay").Msg("router setup")
	return r
}

func (s *Server) startSession(c *gin.Context) {
	var req struct {
		SessionID domain.SessionID `json:"sessionId" binding:"required"`
		Name      string           `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.UpsertSession(c.Request.Context(), req.SessionID, req.Name); err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("start session")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failure"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": req.SessionID})
}

func (s *Server) logEvent(c *gin.Context) {
	var ev domain.IntegrityEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if ev.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId required"})
		return
	}
	if err := s.store.InsertEvent(c.Request.Context(), ev); err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("insert event")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failure"})
		return
	}
	// push to the live timeline as well
	s.hub.BroadcastEvent(ev)
	c.JSON(http.StatusOK, gin.H{"status": "logged"})
}

func (s *Server) uploadVideo(c *gin.Context) {
	sid := domain.SessionID(c.PostForm("sessionId"))
	if sid == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId required"})
		return
	}
	file, header, err := c.Request.FormFile("video")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "video file required"})
		return
	}
	defer file.Close()

	key := fmt.Sprintf("%s_%d.webm", sid, time.Now().Unix())
	if err := s.blobs.Write(c.Request.Context(), key, file, header.Size, "video/webm"); err != nil {
		log.Error().Err(err).Str("module", "relay").Str("key", key).Msg("store recording")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure"})
		return
	}
	if err := s.store.SetVideoPath(c.Request.Context(), sid, key); err != nil {
		// recording is safe even if the session row was never created
		log.Warn().Err(err).Str("module", "relay").Str("session", string(sid)).Msg("link recording")
	}
	log.Info().Str("module", "relay").Str("session", string(sid)).
		Str("key", key).Int64("size", header.Size).Msg("recording stored")
	c.JSON(http.StatusOK, gin.H{"path": key})
}

func (s *Server) report(c *gin.Context) {
	sid := domain.SessionID(c.Param("sessionId"))
	ctx := c.Request.Context()

	name, videoPath, err := s.store.Session(ctx, sid)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	events, err := s.store.EventsBySession(ctx, sid)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("load events")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failure"})
		return
	}
	c.JSON(http.StatusOK, BuildReport(sid, name, videoPath, events))
}

func (s *Server) analyzeFrame(c *gin.Context) {
	if s.analyzer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "inference backends not configured"})
		return
	}
	var req struct {
		SessionID domain.SessionID `json:"sessionId" binding:"required"`
		Name      string           `json:"name"`
		Image     string           `json:"image" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	events, err := s.analyzer.Analyze(c.Request.Context(), req.SessionID, req.Name, req.Image)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("analyze frame")
		c.JSON(http.StatusBadGateway, gin.H{"error": "inference failure"})
		return
	}
	for _, ev := range events {
		if err := s.store.InsertEvent(c.Request.Context(), ev); err != nil {
			log.Error().Err(err).Str("module", "relay").Msg("insert event")
			continue
		}
		s.hub.BroadcastEvent(ev)
	}
	if events == nil {
		events = []domain.IntegrityEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}
