// Package api exposes the control surface of the orchestrator over HTTP:
// version lifecycle, page submission, and status queries. It is a thin
// adapter over the grain runtime, every request maps to one tale operation.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/talepreter/talepreter"
	"github.com/talepreter/talepreter/grain"
)

// Server serves the control API of one grain runtime.
type Server struct {
	rt     *grain.Runtime
	logger talepreter.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger talepreter.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New builds a server over the given runtime.
func New(rt *grain.Runtime, opts ...Option) *Server {
	s := &Server{rt: rt}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = talepreter.NormalizeLogger(s.logger)
	return s
}

// Routes registers every endpoint on the router.
func (s *Server) Routes(r gin.IRouter) {
	tales := r.Group("/tales/:taleID")
	tales.GET("/versions", s.listVersions)
	tales.POST("/versions", s.createVersion)
	tales.DELETE("", s.purgeTale)

	version := tales.Group("/versions/:versionID")
	version.GET("/status", s.versionStatus)
	version.POST("/pages", s.addPage)
	version.POST("/execute", s.beginExecute)
	version.POST("/stop", s.stop)
	version.DELETE("", s.purgeVersion)

	page := version.Group("/chapters/:chapter/pages/:page")
	page.POST("/process", s.beginProcess)
	page.GET("/status", s.pageStatus)

	version.GET("/chapters/:chapter/status", s.chapterStatus)
}

type createVersionRequest struct {
	VersionID string `json:"version_id"`
	BackupOf  string `json:"backup_of"`
}

type addPageRequest struct {
	Chapter int `json:"chapter"`
	Page    int `json:"page"`
}

type processRequest struct {
	Commands []talepreter.CommandData `json:"commands" binding:"required"`
}

func (s *Server) createVersion(c *gin.Context) {
	taleID, ok := s.taleID(c)
	if !ok {
		return
	}
	var req createVersionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	versionID := uuid.New()
	if req.VersionID != "" {
		var err error
		versionID, err = uuid.Parse(req.VersionID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "version id is not a uuid"})
			return
		}
	}
	var backupOf *uuid.UUID
	if req.BackupOf != "" {
		source, err := uuid.Parse(req.BackupOf)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "backup source id is not a uuid"})
			return
		}
		backupOf = &source
	}

	if err := s.rt.Tale(taleID).Initialize(c.Request.Context(), versionID, backupOf); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tale_id": taleID, "version_id": versionID})
}

func (s *Server) listVersions(c *gin.Context) {
	taleID, ok := s.taleID(c)
	if !ok {
		return
	}
	versions := s.rt.Tale(taleID).Versions()
	c.JSON(http.StatusOK, gin.H{"versions": versions, "count": len(versions)})
}

func (s *Server) addPage(c *gin.Context) {
	taleID, versionID, ok := s.versionID(c)
	if !ok {
		return
	}
	var req addPageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	added, err := s.rt.Tale(taleID).AddChapterPage(c.Request.Context(), versionID, req.Chapter, req.Page)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"added": added})
}

func (s *Server) beginProcess(c *gin.Context) {
	taleID, versionID, ok := s.versionID(c)
	if !ok {
		return
	}
	chapter, page, ok := s.chapterPage(c)
	if !ok {
		return
	}
	var req processRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if err := s.rt.Tale(taleID).BeginProcess(c.Request.Context(), versionID, chapter, page, req.Commands); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "processing"})
}

func (s *Server) beginExecute(c *gin.Context) {
	taleID, versionID, ok := s.versionID(c)
	if !ok {
		return
	}
	if err := s.rt.Tale(taleID).BeginExecute(c.Request.Context(), versionID); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "executing"})
}

func (s *Server) versionStatus(c *gin.Context) {
	taleID, versionID, ok := s.versionID(c)
	if !ok {
		return
	}
	publish := s.rt.Publish(taleID, versionID)
	payload := gin.H{"status": publish.Status().String()}
	if last, ok := publish.LastExecutedPage(); ok {
		payload["last_executed_page"] = last
	}
	c.JSON(http.StatusOK, payload)
}

func (s *Server) chapterStatus(c *gin.Context) {
	taleID, versionID, ok := s.versionID(c)
	if !ok {
		return
	}
	chapter, ok := s.intParam(c, "chapter")
	if !ok {
		return
	}
	ch := s.rt.Chapter(taleID, versionID, chapter)
	c.JSON(http.StatusOK, gin.H{
		"status":             ch.Status().String(),
		"last_executed_page": ch.LastExecutedPage(),
	})
}

func (s *Server) pageStatus(c *gin.Context) {
	taleID, versionID, ok := s.versionID(c)
	if !ok {
		return
	}
	chapter, page, ok := s.chapterPage(c)
	if !ok {
		return
	}
	ref := talepreter.PageRef{TaleID: taleID, TaleVersionID: versionID, Chapter: chapter, Page: page}
	c.JSON(http.StatusOK, gin.H{"status": s.rt.Page(ref).Status().String()})
}

func (s *Server) stop(c *gin.Context) {
	taleID, versionID, ok := s.versionID(c)
	if !ok {
		return
	}
	if err := s.rt.Tale(taleID).Stop(c.Request.Context(), versionID); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (s *Server) purgeVersion(c *gin.Context) {
	taleID, versionID, ok := s.versionID(c)
	if !ok {
		return
	}
	if err := s.rt.Tale(taleID).PurgeVersion(c.Request.Context(), versionID); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "purged"})
}

func (s *Server) purgeTale(c *gin.Context) {
	taleID, ok := s.taleID(c)
	if !ok {
		return
	}
	if err := s.rt.Tale(taleID).Purge(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "purged"})
}

// --

func (s *Server) taleID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("taleID"))
	if err != nil || id == uuid.Nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tale id is not a uuid"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) versionID(c *gin.Context) (uuid.UUID, uuid.UUID, bool) {
	taleID, ok := s.taleID(c)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	id, err := uuid.Parse(c.Param("versionID"))
	if err != nil || id == uuid.Nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "version id is not a uuid"})
		return uuid.Nil, uuid.Nil, false
	}
	return taleID, id, true
}

func (s *Server) chapterPage(c *gin.Context) (int, int, bool) {
	chapter, ok := s.intParam(c, "chapter")
	if !ok {
		return 0, 0, false
	}
	page, ok := s.intParam(c, "page")
	if !ok {
		return 0, 0, false
	}
	return chapter, page, true
}

func (s *Server) intParam(c *gin.Context, name string) (int, bool) {
	raw := c.Param(name)
	n := 0
	for _, r := range raw {
		if r < '0' || r > '9' {
			c.JSON(http.StatusBadRequest, gin.H{"error": name + " is not a non negative number"})
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " is missing"})
		return 0, false
	}
	return n, true
}

// fail maps an operation error onto a status code: bad identity is the
// caller's fault, a status conflict or duplicate work is a conflict, the rest
// is on us.
func (s *Server) fail(c *gin.Context, err error) {
	switch talepreter.ErrorCode(err) {
	case talepreter.ErrCodeInvalidIdentity, talepreter.ErrCodeCommandValidation:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case talepreter.ErrCodeGrainOperation, talepreter.ErrCodeDuplicateWork:
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.logger.Error("request failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
