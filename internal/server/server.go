// Package server exposes a sqgraph.DB over HTTP with gin. Every route below
// /v1/:ns operates on one namespace; the X-Actor header sets the actor
// recorded on events.
package server

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/liliang-cn/sqgraph"
	"github.com/liliang-cn/sqgraph/pkg/core"
	"github.com/liliang-cn/sqgraph/pkg/events"
)

// ActorHeader carries the actor of a request
const ActorHeader = "X-Actor"

type Server struct {
	db       *sqgraph.DB
	logger   core.Logger
	upgrader websocket.Upgrader
}

func NewServer(db *sqgraph.DB, logger core.Logger) *Server {
	if logger == nil {
		logger = core.NopLogger()
	}
	return &Server{
		db:     db,
		logger: logger.With("component", "server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) SetupRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())
	// entity ids may contain escaped slashes
	r.UseRawPath = true
	r.UnescapePathValues = true

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/namespaces", s.ListNamespaces)

	v1 := r.Group("/v1/:ns", s.namespace)
	v1.GET("/capabilities", s.Capabilities)

	v1.GET("/types", s.Types)
	v1.POST("/entities/:type", s.CreateEntity)
	v1.POST("/entities/:type/query", s.ListEntities)
	v1.POST("/entities/:type/count", s.CountEntities)
	v1.GET("/entities/:type/:id", s.GetEntity)
	v1.PATCH("/entities/:type/:id", s.UpdateEntity)
	v1.PUT("/entities/:type/:id", s.UpsertEntity)
	v1.DELETE("/entities/:type/:id", s.DeleteEntity)
	v1.GET("/search/:type", s.Search)

	v1.GET("/relationships", s.ListRelationships)
	v1.POST("/relationships", s.Relate)
	v1.DELETE("/relationships", s.Unrelate)
	v1.POST("/traverse", s.Traverse)
	v1.GET("/neighbors/:id", s.Neighbors)
	v1.GET("/graph/stats", s.GraphStatistics)
	v1.GET("/graph/pagerank", s.PageRank)
	v1.GET("/graph/export", s.ExportGraph)

	v1.GET("/schema", s.GetSchema)
	v1.PUT("/schema", s.SetSchema)
	v1.POST("/schema/diff", s.DiffSchema)
	v1.GET("/schema/history", s.SchemaHistory)
	v1.GET("/migrations", s.Migrations)
	v1.POST("/migrations", s.Migrate)
	v1.DELETE("/migrations/:version", s.Rollback)

	v1.GET("/events", s.QueryEvents)
	v1.POST("/events", s.AppendEvent)
	v1.GET("/events/stream", s.StreamEvents)
	v1.POST("/replay", s.Replay)
	v1.POST("/rebuild", s.Rebuild)

	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// namespace resolves :ns and stores the handle and the actor context
func (s *Server) namespace(c *gin.Context) {
	ns, err := s.db.Namespace(c.Request.Context(), c.Param("ns"))
	if err != nil {
		s.fail(c, err)
		c.Abort()
		return
	}
	c.Set("ns", ns)
	c.Next()
}

func nsOf(c *gin.Context) *sqgraph.Namespace {
	return c.MustGet("ns").(*sqgraph.Namespace)
}

func ctxOf(c *gin.Context) context.Context {
	ctx := c.Request.Context()
	if actor := c.GetHeader(ActorHeader); actor != "" {
		ctx = sqgraph.WithActor(ctx, actor)
	}
	return ctx
}

// statusOf maps error kinds to HTTP status codes
func statusOf(err error) (int, string) {
	switch kind := core.Kind(err); {
	case kind == nil:
		return http.StatusInternalServerError, "internal"
	case errors.Is(kind, core.ErrValidation), errors.Is(kind, core.ErrEmptyQuery):
		return http.StatusBadRequest, "validation"
	case errors.Is(kind, core.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(kind, core.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(kind, core.ErrReferentialIntegrity):
		return http.StatusUnprocessableEntity, "referential_integrity"
	case errors.Is(kind, core.ErrMigration):
		return http.StatusConflict, "migration"
	case errors.Is(kind, core.ErrStoreClosed), errors.Is(kind, core.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status, kind := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	body := gin.H{"error": err.Error(), "kind": kind}
	if details := core.Details(err); len(details) > 0 {
		body["details"] = details
	}
	c.JSON(status, body)
}

func (s *Server) badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg, "kind": "validation"})
}

func queryInt(c *gin.Context, key string) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	return n, err == nil
}

func queryTime(c *gin.Context, key string) (time.Time, bool) {
	raw := c.Query(key)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	return t, err == nil
}

func (s *Server) ListNamespaces(c *gin.Context) {
	names, err := s.db.Namespaces()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"namespaces": names})
}

func (s *Server) Capabilities(c *gin.Context) {
	c.JSON(http.StatusOK, nsOf(c).Capabilities())
}

func (s *Server) Types(c *gin.Context) {
	types, err := nsOf(c).Types(ctxOf(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"types": types})
}

type CreateEntityRequest struct {
	ID   string         `json:"id"`
	Data map[string]any `json:"data"`
}

func (s *Server) CreateEntity(c *gin.Context) {
	var req CreateEntityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid request: "+err.Error())
		return
	}
	if req.Data == nil {
		req.Data = map[string]any{}
	}
	ent, err := nsOf(c).Create(ctxOf(c), c.Param("type"), req.ID, req.Data)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, ent)
}

func (s *Server) GetEntity(c *gin.Context) {
	ent, err := nsOf(c).Get(ctxOf(c), c.Param("type"), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ent)
}

func (s *Server) UpdateEntity(c *gin.Context) {
	var patch map[string]any
	if err := c.ShouldBindJSON(&patch); err != nil {
		s.badRequest(c, "invalid request: "+err.Error())
		return
	}
	ent, err := nsOf(c).Update(ctxOf(c), c.Param("type"), c.Param("id"), patch)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ent)
}

func (s *Server) UpsertEntity(c *gin.Context) {
	var data map[string]any
	if err := c.ShouldBindJSON(&data); err != nil {
		s.badRequest(c, "invalid request: "+err.Error())
		return
	}
	ent, err := nsOf(c).Upsert(ctxOf(c), c.Param("type"), c.Param("id"), data)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ent)
}

func (s *Server) DeleteEntity(c *gin.Context) {
	depth, ok := queryInt(c, "depth")
	if !ok {
		s.badRequest(c, "depth must be an integer")
		return
	}
	opts := sqgraph.DeleteOptions{
		Cascade:      c.Query("cascade") == "true",
		CascadeDepth: depth,
	}
	if rels := c.Query("relations"); rels != "" {
		opts.Relations = strings.Split(rels, ",")
	}
	res, err := nsOf(c).Delete(ctxOf(c), c.Param("type"), c.Param("id"), opts)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) ListEntities(c *gin.Context) {
	var opts sqgraph.QueryOptions
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&opts); err != nil {
			s.badRequest(c, "invalid request: "+err.Error())
			return
		}
	}
	ents, err := nsOf(c).List(ctxOf(c), c.Param("type"), opts)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entities": ents})
}

func (s *Server) CountEntities(c *gin.Context) {
	var where map[string]any
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&where); err != nil {
			s.badRequest(c, "invalid request: "+err.Error())
			return
		}
	}
	n, err := nsOf(c).Count(ctxOf(c), c.Param("type"), where)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

// Search runs lexical (default), semantic or hybrid search depending on ?mode
func (s *Server) Search(c *gin.Context) {
	ns, ctx, typeName, text := nsOf(c), ctxOf(c), c.Param("type"), c.Query("q")
	limit, ok := queryInt(c, "limit")
	if !ok {
		s.badRequest(c, "limit must be an integer")
		return
	}

	var (
		results any
		err     error
	)
	switch mode := c.DefaultQuery("mode", "lexical"); mode {
	case "lexical":
		results, err = ns.Search(ctx, typeName, text, sqgraph.SearchOptions{Limit: limit})
	case "semantic":
		results, err = ns.SemanticSearch(ctx, typeName, text, sqgraph.SemanticOptions{Limit: limit})
	case "hybrid":
		results, err = ns.HybridSearch(ctx, typeName, text, sqgraph.HybridOptions{Limit: limit})
	default:
		s.badRequest(c, "unknown search mode "+mode)
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

type RelationshipRequest struct {
	FromID   string         `json:"from_id"`
	Relation string         `json:"relation"`
	ToID     string         `json:"to_id"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) Relate(c *gin.Context) {
	var req RelationshipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid request: "+err.Error())
		return
	}
	rel, err := nsOf(c).Relate(ctxOf(c), req.FromID, req.Relation, req.ToID, req.Metadata)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rel)
}

func (s *Server) Unrelate(c *gin.Context) {
	var req RelationshipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid request: "+err.Error())
		return
	}
	removed, err := nsOf(c).Unrelate(ctxOf(c), req.FromID, req.Relation, req.ToID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (s *Server) ListRelationships(c *gin.Context) {
	limit, ok := queryInt(c, "limit")
	offset, ok2 := queryInt(c, "offset")
	if !ok || !ok2 {
		s.badRequest(c, "limit and offset must be integers")
		return
	}
	rels, err := nsOf(c).Relationships(ctxOf(c), sqgraph.RelationshipFilter{
		FromID:   c.Query("from_id"),
		ToID:     c.Query("to_id"),
		Relation: c.Query("relation"),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"relationships": rels})
}

type TraverseRequest struct {
	Start   string                   `json:"start"`
	Starts  []string                 `json:"starts"`
	Path    []string                 `json:"path"`
	Options sqgraph.TraversalOptions `json:"options"`
}

func (s *Server) Traverse(c *gin.Context) {
	var req TraverseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid request: "+err.Error())
		return
	}
	var (
		ents []*core.Entity
		err  error
	)
	if len(req.Starts) > 0 {
		ents, err = nsOf(c).TraverseFrom(ctxOf(c), req.Starts, req.Path, req.Options)
	} else {
		ents, err = nsOf(c).Traverse(ctxOf(c), req.Start, req.Path, req.Options)
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entities": ents})
}

func (s *Server) Neighbors(c *gin.Context) {
	depth, ok := queryInt(c, "depth")
	limit, ok2 := queryInt(c, "limit")
	if !ok || !ok2 {
		s.badRequest(c, "depth and limit must be integers")
		return
	}
	opts := sqgraph.NeighborOptions{MaxDepth: depth, Limit: limit}
	if dir := c.Query("direction"); dir != "" {
		opts.Direction = sqgraph.Direction(dir)
	}
	if rels := c.Query("relations"); rels != "" {
		opts.Relations = strings.Split(rels, ",")
	}
	ents, err := nsOf(c).Neighbors(ctxOf(c), c.Param("id"), opts)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entities": ents})
}

func (s *Server) GraphStatistics(c *gin.Context) {
	stats, err := nsOf(c).GraphStatistics(ctxOf(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) PageRank(c *gin.Context) {
	limit, ok := queryInt(c, "limit")
	if !ok {
		s.badRequest(c, "limit must be an integer")
		return
	}
	opts := sqgraph.PageRankOptions{Limit: limit}
	if rels := c.Query("relations"); rels != "" {
		opts.Relations = strings.Split(rels, ",")
	}
	ranks, err := nsOf(c).PageRank(ctxOf(c), opts)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ranks": ranks})
}

func (s *Server) ExportGraph(c *gin.Context) {
	format := sqgraph.ExportFormat(c.DefaultQuery("format", "json"))
	var buf bytes.Buffer
	if err := nsOf(c).ExportGraph(ctxOf(c), &buf, format); err != nil {
		s.fail(c, err)
		return
	}
	contentType := "application/json; charset=utf-8"
	if format == "graphml" {
		contentType = "application/xml; charset=utf-8"
	}
	c.Data(http.StatusOK, contentType, buf.Bytes())
}

func (s *Server) GetSchema(c *gin.Context) {
	version, ok := queryInt(c, "version")
	if !ok {
		s.badRequest(c, "version must be an integer")
		return
	}
	snap, err := nsOf(c).Schema(ctxOf(c), version)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) SetSchema(c *gin.Context) {
	var types sqgraph.TypeMap
	if err := c.ShouldBindJSON(&types); err != nil {
		s.badRequest(c, "invalid request: "+err.Error())
		return
	}
	res, err := nsOf(c).SetSchema(ctxOf(c), types)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) DiffSchema(c *gin.Context) {
	var types sqgraph.TypeMap
	if err := c.ShouldBindJSON(&types); err != nil {
		s.badRequest(c, "invalid request: "+err.Error())
		return
	}
	res, err := nsOf(c).DiffSchema(ctxOf(c), types)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) SchemaHistory(c *gin.Context) {
	history, err := nsOf(c).SchemaHistory(ctxOf(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

type MigrateRequest struct {
	Version int    `json:"version"`
	Up      string `json:"up"`
	Down    string `json:"down"`
}

func (s *Server) Migrate(c *gin.Context) {
	var req MigrateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid request: "+err.Error())
		return
	}
	if err := nsOf(c).Migrate(ctxOf(c), req.Version, req.Up, req.Down); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": req.Version})
}

func (s *Server) Rollback(c *gin.Context) {
	version, err := strconv.Atoi(c.Param("version"))
	if err != nil {
		s.badRequest(c, "version must be an integer")
		return
	}
	if err := nsOf(c).Rollback(ctxOf(c), version); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rolled_back": version})
}

func (s *Server) Migrations(c *gin.Context) {
	migrations, err := nsOf(c).Migrations(ctxOf(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"migrations": migrations})
}

func (s *Server) QueryEvents(c *gin.Context) {
	limit, ok := queryInt(c, "limit")
	offset, ok2 := queryInt(c, "offset")
	since, ok3 := queryTime(c, "since")
	until, ok4 := queryTime(c, "until")
	if !ok || !ok2 || !ok3 || !ok4 {
		s.badRequest(c, "limit and offset must be integers, since and until RFC 3339 timestamps")
		return
	}
	page, err := nsOf(c).QueryEvents(ctxOf(c), sqgraph.EventFilter{
		Event:  c.Query("event"),
		Object: c.Query("object"),
		Actor:  c.Query("actor"),
		Since:  since,
		Until:  until,
		Limit:  limit,
		Offset: offset,
		Cursor: c.Query("cursor"),
		Order:  c.Query("order"),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) AppendEvent(c *gin.Context) {
	var ev sqgraph.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		s.badRequest(c, "invalid request: "+err.Error())
		return
	}
	out, err := nsOf(c).AppendEvent(ctxOf(c), &ev)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

// StreamEvents upgrades to a websocket and pushes committed events matching
// ?pattern (default "*") until the client goes away
func (s *Server) StreamEvents(c *gin.Context) {
	ns := nsOf(c)
	if !ns.Capabilities().Events {
		s.fail(c, core.Errorf("stream_events", core.ErrUnavailable, "events are disabled for namespace %s", ns.Name()))
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	id, err := ns.Subscribe(c.DefaultQuery("pattern", "*"), events.SinkFunc(func(_ context.Context, ev *events.Event) error {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(ev)
	}))
	if err != nil {
		_ = conn.WriteJSON(gin.H{"error": err.Error()})
		return
	}
	defer func() { _ = ns.Unsubscribe(id) }()

	// block until the peer closes; incoming frames are ignored
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

type ReplayRequest struct {
	Source string    `json:"source"`
	Object string    `json:"object"`
	Event  string    `json:"event"`
	Since  time.Time `json:"since"`
	Until  time.Time `json:"until"`
}

func (s *Server) Replay(c *gin.Context) {
	var req ReplayRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.badRequest(c, "invalid request: "+err.Error())
			return
		}
	}
	res, err := nsOf(c).Replay(ctxOf(c), sqgraph.ReplayOptions{
		Source: req.Source,
		Object: req.Object,
		Event:  req.Event,
		Since:  req.Since,
		Until:  req.Until,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type RebuildRequest struct {
	Object string `json:"object"`
}

func (s *Server) Rebuild(c *gin.Context) {
	var req RebuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "invalid request: "+err.Error())
		return
	}
	ent, err := nsOf(c).Rebuild(ctxOf(c), req.Object)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ent)
}
