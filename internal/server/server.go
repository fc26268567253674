// Package server exposes the live feed, registration and status over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/andresmejia3/facewatch/internal/cache"
	"github.com/andresmejia3/facewatch/internal/frame"
	"github.com/andresmejia3/facewatch/internal/pipeline"
	"github.com/andresmejia3/facewatch/internal/recognize"
	"github.com/andresmejia3/facewatch/internal/store"
	"github.com/andresmejia3/facewatch/internal/types"
)

// maxUpload caps registration images.
const maxUpload = 10 << 20

// Pipeline is the part of the frame pipeline the server needs.
type Pipeline interface {
	Enroll(ctx context.Context, f frame.Frame) (types.Detection, error)
	Stats() pipeline.Stats
	CacheStats() cache.Stats
}

// Deps are the collaborators wired in by the serve command.
type Deps struct {
	Pipeline Pipeline
	Repo     store.Repository
	Hub      *Hub
	// Decode turns uploaded image bytes into a frame.
	Decode func([]byte) (frame.Frame, error)
	// Extra, if set, is merged into the /api/status response.
	Extra func() map[string]any
	Log   zerolog.Logger
}

// Server manages the HTTP server.
type Server struct {
	deps       Deps
	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	started    time.Time
}

func New(addr string, deps Deps) *Server {
	s := &Server{
		deps:    deps,
		engine:  gin.New(),
		started: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.engine.Use(cors.New(cors.Config{
		AllowMethods:     []string{"GET", "POST", "HEAD"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Content-Length", "X-Requested-With", "Connection", "Upgrade"},
		AllowCredentials: false,
		AllowAllOrigins:  true,
		MaxAge:           12 * time.Hour,
	}))
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)

	api := s.engine.Group("/api")
	api.GET("/status", s.handleStatus)
	api.POST("/register", s.handleRegister)
	api.GET("/users", s.handleUsers)
	api.GET("/video_feed", s.handleVideoFeed)
	api.GET("/ws", s.handleWebSocket)
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.deps.Log.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Stream handlers only exit when their clients or the hub go away
	if s.deps.Hub != nil {
		s.deps.Hub.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		// Streams would log only once they end; that is still useful.
		s.deps.Log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := gin.H{
		"status":         "running",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"pipeline":       s.deps.Pipeline.Stats(),
		"cache":          s.deps.Pipeline.CacheStats(),
	}
	if s.deps.Hub != nil {
		resp["viewers"] = s.deps.Hub.Subscribers()
	}
	if s.deps.Extra != nil {
		for k, v := range s.deps.Extra() {
			resp[k] = v
		}
	}
	c.JSON(http.StatusOK, resp)
}

// handleRegister enrolls the largest face of an uploaded image under a new identity.
func (s *Server) handleRegister(c *gin.Context) {
	name := strings.TrimSpace(c.PostForm("name"))
	phone := strings.TrimSpace(c.PostForm("phone_number"))
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "name is required"})
		return
	}

	fh, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "image is required"})
		return
	}
	if fh.Size > maxUpload {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"detail": "image too large"})
		return
	}
	file, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxUpload))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}

	img, err := s.deps.Decode(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "could not decode image"})
		return
	}

	ctx := c.Request.Context()
	det, err := s.deps.Pipeline.Enroll(ctx, img)
	if errors.Is(err, recognize.ErrNoFace) {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "No face detected in the image"})
		return
	}
	if err != nil {
		s.deps.Log.Error().Err(err).Str("stage", "enroll").Msg("registration failed")
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}

	id, err := s.deps.Repo.CreateIdentity(ctx, name, phone, det)
	if err != nil {
		s.deps.Log.Error().Err(err).Str("stage", "store").Msg("registration failed")
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}

	s.deps.Log.Info().Str("identity_id", id).Str("name", name).Msg("identity registered")
	c.JSON(http.StatusOK, store.Identity{
		ID:         id,
		Name:       name,
		Contact:    phone,
		Embeddings: 1,
		CreatedAt:  time.Now().UTC(),
	})
}

func (s *Server) handleUsers(c *gin.Context) {
	identities, err := s.deps.Repo.ListIdentities(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	if identities == nil {
		identities = []store.Identity{}
	}
	c.JSON(http.StatusOK, identities)
}

// handleVideoFeed streams annotated frames as multipart MJPEG.
func (s *Server) handleVideoFeed(c *gin.Context) {
	if s.deps.Hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "live feed disabled"})
		return
	}

	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	frames, unsubscribe := s.deps.Hub.Subscribe()
	defer unsubscribe()

	// Send headers now so clients see the stream open before the first frame
	writer.WriteHeaderNow()
	flusher.Flush()

	clientGone := c.Request.Context().Done()
	for {
		select {
		case <-clientGone:
			return
		case jpeg, ok := <-frames:
			if !ok {
				return
			}
			if _, err := writer.Write([]byte("--frame\r\nContent-Type: image/jpeg\r\n\r\n")); err != nil {
				return
			}
			if _, err := writer.Write(jpeg); err != nil {
				return
			}
			if _, err := writer.Write([]byte("\r\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleWebSocket sends each frame as one binary message.
func (s *Server) handleWebSocket(c *gin.Context) {
	if s.deps.Hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "live feed disabled"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.deps.Log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	frames, unsubscribe := s.deps.Hub.Subscribe()
	defer unsubscribe()

	// Reader pump: the client never sends data, but reading is what notices a close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.deps.Log.Debug().Err(err).Msg("websocket closed")
				}
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case jpeg, ok := <-frames:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(time.Second))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.BinaryMessage, jpeg); err != nil {
				return
			}
		}
	}
}
