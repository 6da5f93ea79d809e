// Package server 以 HTTP 暴露文档分析、清单查询、历史与指标。
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"policyeval/internal/diag"
	"policyeval/pkg/contract"
)

// Analyzer: 多 Section 文档分析（见 internal/analyzer）。
type Analyzer interface {
	AnalyzeDocument(ctx context.Context, document string, ids []contract.SectionID, text string) (contract.Summary, error)
}

// Catalog: 只读清单目录。
type Catalog interface {
	Sections() []contract.Section
	IDs() []contract.SectionID
}

// Options 为可选依赖与限制。
type Options struct {
	// Store: 非 nil 时保存每次分析结果并开放 GET /v1/runs。
	Store contract.Store
	// Renderers: 以名称为键，供 ?format= 选择导出格式。
	Renderers map[string]contract.Renderer
	// Sections: 请求未指定时分析的 Section；为空使用目录全部。
	Sections []contract.SectionID
	// MaxBodyBytes: 请求体上限；<=0 为 4MiB。
	MaxBodyBytes int64
}

// Server 持有路由与依赖；并发安全。
type Server struct {
	an     Analyzer
	cat    Catalog
	opt    Options
	logger *diag.Logger
	engine *gin.Engine
}

// AnalyzeRequest 为 POST /v1/analyze 的请求体。
type AnalyzeRequest struct {
	Document string   `json:"document"`
	Text     string   `json:"text" binding:"required"`
	Sections []string `json:"sections"`
}

// ErrorResponse 为统一错误体。
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// SectionView 为清单目录的展示形状。
type SectionView struct {
	ID           contract.SectionID     `json:"id"`
	Title        string                 `json:"title"`
	Requirements []contract.Requirement `json:"requirements"`
}

// New 构造 Server 并注册路由。
func New(an Analyzer, cat Catalog, opt Options, logger *diag.Logger) (*Server, error) {
	if an == nil || cat == nil {
		return nil, errors.New("server: analyzer and catalog required")
	}
	if opt.MaxBodyBytes <= 0 {
		opt.MaxBodyBytes = 4 << 20
	}
	if logger == nil {
		logger = diag.Discard()
	}
	s := &Server{an: an, cat: cat, opt: opt, logger: logger}
	s.engine = s.routes()
	return s, nil
}

// Handler 返回 http.Handler（供 http.Server 或测试使用）。
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestID())
	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(diag.MetricsHandler()))
	v1 := r.Group("/v1")
	v1.GET("/sections", s.handleSections)
	v1.POST("/analyze", s.handleAnalyze)
	v1.GET("/runs", s.handleRuns)
	return r
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		start := time.Now()
		c.Next()
		diag.IncOp("server", c.FullPath(), strconv.Itoa(c.Writer.Status()))
		s.logger.DebugStart("server", c.Request.Method+" "+c.Request.URL.Path, "", "", map[string]string{
			"request_id": id,
			"status":     strconv.Itoa(c.Writer.Status()),
			"dur_ms":     strconv.FormatInt(time.Since(start).Milliseconds(), 10),
		})
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "sections": len(s.cat.IDs())})
}

// handleSections 处理 GET /v1/sections。
func (s *Server) handleSections(c *gin.Context) {
	secs := s.cat.Sections()
	out := make([]SectionView, 0, len(secs))
	for _, sec := range secs {
		out = append(out, SectionView{ID: sec.ID, Title: sec.Title, Requirements: sec.Requirements})
	}
	c.JSON(http.StatusOK, out)
}

// handleAnalyze 处理 POST /v1/analyze。
//
//	200: Summary（JSON），或 ?format=<renderer> 指定的导出格式
//	400: 请求体非法 / 未知 Section / 未知格式
//	413: 请求体超限
//	503: 客户端取消
func (s *Server) handleAnalyze(c *gin.Context) {
	var rend contract.Renderer
	if f := strings.TrimSpace(c.Query("format")); f != "" && f != "json" {
		r, ok := s.opt.Renderers[f]
		if !ok {
			s.fail(c, http.StatusBadRequest, diag.CodeInvariant, errors.New("unknown format "+strconv.Quote(f)))
			return
		}
		rend = r
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opt.MaxBodyBytes)
	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			s.fail(c, http.StatusRequestEntityTooLarge, diag.CodeBudget, err)
			return
		}
		s.fail(c, http.StatusBadRequest, diag.CodeInvariant, err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.fail(c, http.StatusBadRequest, diag.CodeInvariant, errors.New("text is empty"))
		return
	}
	ids := s.opt.Sections
	if len(req.Sections) > 0 {
		ids = make([]contract.SectionID, 0, len(req.Sections))
		for _, id := range req.Sections {
			ids = append(ids, contract.SectionID(strings.TrimSpace(id)))
		}
	}
	if len(ids) == 0 {
		ids = s.cat.IDs()
	}
	doc := req.Document
	if doc == "" {
		doc = "request"
	}

	sum, err := s.an.AnalyzeDocument(c.Request.Context(), doc, ids, req.Text)
	if err != nil {
		switch {
		case errors.Is(err, contract.ErrInvalidSection):
			s.fail(c, http.StatusBadRequest, diag.Classify(err), err)
		case errors.Is(err, contract.ErrCancelled):
			s.fail(c, http.StatusServiceUnavailable, diag.Classify(err), err)
		default:
			s.fail(c, http.StatusInternalServerError, diag.Classify(err), err)
		}
		return
	}
	if s.opt.Store != nil {
		if err := s.opt.Store.Save(c.Request.Context(), sum); err != nil {
			s.logger.Warn("server", "save run failed: "+err.Error(), "", map[string]string{"run_id": sum.RunID})
		}
	}
	if rend == nil {
		c.JSON(http.StatusOK, sum)
		return
	}
	out, err := rend.Render(c.Request.Context(), sum)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, diag.Classify(err), err)
		return
	}
	body, err := io.ReadAll(out)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, diag.CodeIO, err)
		return
	}
	c.Data(http.StatusOK, contentType(rend.Ext()), body)
}

// handleRuns 处理 GET /v1/runs?limit=N。
func (s *Server) handleRuns(c *gin.Context) {
	if s.opt.Store == nil {
		s.fail(c, http.StatusNotFound, diag.CodeInvariant, errors.New("history disabled"))
		return
	}
	limit := 20
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			s.fail(c, http.StatusBadRequest, diag.CodeInvariant, errors.New("limit must be in 1..1000"))
			return
		}
		limit = n
	}
	recs, err := s.opt.Store.Recent(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, diag.Classify(err), err)
		return
	}
	c.JSON(http.StatusOK, recs)
}

func (s *Server) fail(c *gin.Context, status int, code diag.Code, err error) {
	rid := c.GetString("request_id")
	diag.IncError("server", string(code))
	s.logger.ErrorWithKV("server", string(code), err.Error(), nil, "", "", map[string]string{"request_id": rid, "status": strconv.Itoa(status)})
	c.AbortWithStatusJSON(status, ErrorResponse{Error: err.Error(), Code: string(code), RequestID: rid})
}

func contentType(ext string) string {
	switch ext {
	case "md":
		return "text/markdown; charset=utf-8"
	case "html":
		return "text/html; charset=utf-8"
	case "csv":
		return "text/csv; charset=utf-8"
	case "jsonl":
		return "application/x-ndjson"
	}
	return "application/octet-stream"
}
