// Package httpapi is the read-only query surface over stored posts plus the
// websocket subscription endpoint. It holds no ingest logic.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/Yordanos7/telegram-collector/internal/fanout"
	"github.com/Yordanos7/telegram-collector/internal/media"
	"github.com/Yordanos7/telegram-collector/internal/notifier"
	rtsup "github.com/Yordanos7/telegram-collector/internal/runtime/supervisor"
	"github.com/Yordanos7/telegram-collector/internal/storage"
	logx "github.com/Yordanos7/telegram-collector/pkg/logx"
)

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Pprof        bool
	MaxPageSize  int
	WS           fanout.WSOptions
}

// HealthFunc reports component health; a non-nil error turns /healthz into 503.
type HealthFunc func(ctx context.Context) (map[string]any, error)

type Deps struct {
	Posts  storage.PostRepository
	Media  media.Store
	Hub    *fanout.Broadcaster
	Health HealthFunc
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	engine *gin.Engine

	mu  sync.Mutex
	srv *http.Server
	sup *rtsup.Supervisor
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8000"
	}
	if cfg.MaxPageSize <= 0 {
		cfg.MaxPageSize = 500
	}
	s := &Server{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "http"))}
	s.engine = s.routes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())
	r.Use(cors.Default())

	api := r.Group("/api")
	api.GET("/posts/:channel", s.listPosts)
	api.GET("/post/:channel/:message_id", s.getPost)
	api.GET("/posts_table", s.postsTable)
	api.POST("/new_post/:channel", s.newPost)

	r.GET("/media/:name", s.getMedia)
	r.GET("/ws/:channel", s.subscribe)
	r.GET("/healthz", s.health)

	if s.cfg.Pprof {
		dbg := r.Group("/debug/pprof")
		dbg.GET("/", gin.WrapF(pprof.Index))
		dbg.GET("/cmdline", gin.WrapF(pprof.Cmdline))
		dbg.GET("/profile", gin.WrapF(pprof.Profile))
		dbg.GET("/symbol", gin.WrapF(pprof.Symbol))
		dbg.GET("/trace", gin.WrapF(pprof.Trace))
		dbg.GET("/:profile", func(c *gin.Context) {
			pprof.Handler(c.Param("profile")).ServeHTTP(c.Writer, c.Request)
		})
	}
	return r
}

// accessLog logs failed or slow requests only.
func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		took := time.Since(start)
		status := c.Writer.Status()
		if status < 400 && took < 500*time.Millisecond {
			return
		}
		s.log.Info("request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", status),
			logx.Duration("took", took),
		)
	}
}

func toOut(p storage.Post) notifier.PostCreated {
	return notifier.PostCreated{
		ID:        p.ID,
		Channel:   p.Channel,
		MessageID: p.MessageID,
		Text:      p.Text,
		MediaURL:  notifier.MediaURL(p.MediaPath),
		PostedAt:  p.PostedAt,
	}
}

func toOutList(posts []storage.Post) []notifier.PostCreated {
	out := make([]notifier.PostCreated, 0, len(posts))
	for _, p := range posts {
		out = append(out, toOut(p))
	}
	return out
}

func (s *Server) page(c *gin.Context) (limit, offset int, ok bool) {
	limit, offset = 50, 0
	var err error
	if v := c.Query("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 1 {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "limit must be a positive integer"})
			return 0, 0, false
		}
	}
	if v := c.Query("offset"); v != "" {
		if offset, err = strconv.Atoi(v); err != nil || offset < 0 {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "offset must be a non-negative integer"})
			return 0, 0, false
		}
	}
	if limit > s.cfg.MaxPageSize {
		limit = s.cfg.MaxPageSize
	}
	return limit, offset, true
}

func (s *Server) listPosts(c *gin.Context) {
	limit, offset, ok := s.page(c)
	if !ok {
		return
	}
	posts, err := s.deps.Posts.ListByChannel(c.Request.Context(), c.Param("channel"), limit, offset)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, toOutList(posts))
}

func (s *Server) getPost(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("message_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "message_id must be an integer"})
		return
	}
	p, err := s.deps.Posts.GetOne(c.Request.Context(), c.Param("channel"), id)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Post not found"})
		return
	}
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, toOut(p))
}

func (s *Server) postsTable(c *gin.Context) {
	limit, offset, ok := s.page(c)
	if !ok {
		return
	}
	if c.Query("limit") == "" {
		limit = s.cfg.MaxPageSize
	}
	posts, err := s.deps.Posts.ListAll(c.Request.Context(), limit, offset)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, toOutList(posts))
}

// newPost rebroadcasts a post announced by another collector's webhook
// notifier to local subscribers of the channel.
func (s *Server) newPost(c *gin.Context) {
	var p notifier.PostCreated
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}
	p.Channel = c.Param("channel")
	msg, err := json.Marshal(p)
	if err != nil {
		s.internalError(c, err)
		return
	}
	d := s.deps.Hub.Publish(c.Request.Context(), p.Channel, msg)
	c.JSON(http.StatusOK, gin.H{"message": "Post broadcasted", "delivered": d.Delivered})
}

func (s *Server) getMedia(c *gin.Context) {
	name := c.Param("name")
	if err := media.ValidateName(name); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
		return
	}
	rc, err := s.deps.Media.Open(c.Request.Context(), name)
	if errors.Is(err, media.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
		return
	}
	if err != nil {
		s.internalError(c, err)
		return
	}
	defer rc.Close()
	if rs, ok := rc.(io.ReadSeeker); ok {
		http.ServeContent(c.Writer, c.Request, name, time.Time{}, rs)
		return
	}
	c.Header("Content-Type", contentType(name))
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, rc); err != nil {
		s.log.Debug("media copy aborted", logx.String("name", name), logx.Err(err))
	}
}

func (s *Server) subscribe(c *gin.Context) {
	topic := c.Param("channel")
	conn, err := fanout.Upgrade(c.Writer, c.Request, s.cfg.WS)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.log.Debug("websocket upgrade failed", logx.Err(err))
		return
	}
	s.deps.Hub.Subscribe(conn, topic)
	s.log.Debug("subscriber joined", logx.String("topic", topic), logx.String("conn", conn.ID()))

	// Incoming frames are ignored; the loop ends when the peer goes away.
	conn.ReadLoop()
	s.deps.Hub.Disconnect(conn)
	_ = conn.Close()
	s.log.Debug("subscriber left", logx.String("topic", topic), logx.String("conn", conn.ID()))
}

func (s *Server) health(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if s.deps.Hub != nil {
		body["topics"] = s.deps.Hub.Topics()
	}
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		extra, err := s.deps.Health(ctx)
		for k, v := range extra {
			body[k] = v
		}
		if err != nil {
			body["status"] = "degraded"
			body["error"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) internalError(c *gin.Context, err error) {
	s.log.Warn("request failed", logx.String("path", c.FullPath()), logx.Err(err))
	c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal error"})
}

// Start binds the listener and serves until Stop or ctx cancellation.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("http listen %s: %w", s.cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	s.srv = srv
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup.Go("serve", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	s.log.Info("http listening", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof))
	return nil
}

// Stop shuts the server down gracefully within ctx. Websocket connections
// are hijacked and not covered; close them through the broadcaster.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	sup.Cancel()
	_ = sup.Wait(ctx)
	return err
}
