// Package httpapi is the external front door: session provisioning, job
// submission, job/record status lookups, and manual user-action resolution,
// exposed over Fiber the way the teacher's internal/api/routes.go groups
// its SMS endpoints by resource — rewritten entirely around sessions, jobs
// and records instead of messages.
package httpapi

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"github.com/relaydispatch/dispatch-engine/internal/domain"
	"github.com/relaydispatch/dispatch-engine/internal/queue"
	"go.uber.org/zap"
)

// SessionStore is the subset of internal/store.Store sessions depend on.
type SessionStore interface {
	PutSession(ctx context.Context, sess *domain.Session, ttl time.Duration) error
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	GetSessionStats(ctx context.Context, sessionID string) (*domain.SessionStats, error)
	ListSessionsByOwner(ctx context.Context, ownerUserID string) ([]string, error)
}

// JobStore is the subset of internal/store.Store job status lookups depend on.
type JobStore interface {
	GetJobMetrics(ctx context.Context, jobID string) (map[string]string, error)
	ListUserActionErrors(ctx context.Context, sessionID string) ([]string, error)
	GetUserActionError(ctx context.Context, errorID string) (*domain.UserActionError, error)
	ResolveUserActionError(ctx context.Context, errorID, resolution string, resolvedAt time.Time) error
	GetRateLimiterSettings(ctx context.Context) (map[string]string, error)
	GetAPIPerformance(ctx context.Context) (map[string]string, error)
	ListEndpointPatterns(ctx context.Context) (map[string]string, error)
	GetRecordErrorCounts(ctx context.Context) (map[string]string, error)
}

// Replayer resubmits a resolved user-action error through the record
// pipeline — internal/batchworker.Worker satisfies this.
type Replayer interface {
	Replay(ctx context.Context, errorID string) error
}

// Server wires handlers against the durable collaborators; it holds no
// state of its own.
type Server struct {
	app *fiber.App

	sessions SessionStore
	jobs     JobStore
	jobQueue *queue.Queue
	replayer Replayer
	logger   *zap.Logger

	sessionTTL time.Duration
}

// Config carries the timeouts the teacher's server applies at the Fiber
// app level.
type Config struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	SessionTTL   time.Duration
}

func New(cfg Config, sessions SessionStore, jobs JobStore, jq *queue.Queue, replayer Replayer, logger *zap.Logger) *Server {
	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		ErrorHandler: jsonErrorHandler,
	})
	app.Use(recover.New())
	app.Use(requestid.New())

	s := &Server{
		app: app, sessions: sessions, jobs: jobs, jobQueue: jq,
		replayer: replayer, logger: logger, sessionTTL: cfg.SessionTTL,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/healthz", s.handleHealth)

	sessions := s.app.Group("/sessions")
	sessions.Post("/", s.handleCreateSession)
	sessions.Get("/:sessionId", s.handleGetSession)
	sessions.Get("/:sessionId/stats", s.handleGetSessionStats)

	jobs := s.app.Group("/jobs")
	jobs.Post("/", s.handleCreateJob)
	jobs.Get("/:jobId", s.handleGetJob)
	jobs.Get("/:jobId/metrics", s.handleGetJobMetrics)

	errs := s.app.Group("/user-action-errors")
	errs.Get("/:sessionId", s.handleListUserActionErrors)
	errs.Get("/detail/:errorId", s.handleGetUserActionError)
	errs.Post("/:errorId/resolve", s.handleResolveUserActionError)

	control := s.app.Group("/queue")
	control.Post("/pause", s.handlePauseQueue)
	control.Post("/resume", s.handleResumeQueue)

	metrics := s.app.Group("/metrics")
	metrics.Get("/rate-limiter", s.handleGetRateLimiterSettings)
	metrics.Get("/api-performance", s.handleGetAPIPerformance)
	metrics.Get("/endpoints", s.handleListEndpointPatterns)
	metrics.Get("/record-errors", s.handleGetRecordErrorCounts)
}

// handleGetRateLimiterSettings surfaces the worker process's last-published
// Rate Limiter tuning (spec §4.1's IsLimited status probe), read back from
// the Context Store since the API process never owns the limiter itself.
func (s *Server) handleGetRateLimiterSettings(c *fiber.Ctx) error {
	fields, err := s.jobs.GetRateLimiterSettings(c.Context())
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to load rate limiter settings")
	}
	return c.JSON(fields)
}

func (s *Server) handleGetAPIPerformance(c *fiber.Ctx) error {
	fields, err := s.jobs.GetAPIPerformance(c.Context())
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to load api performance snapshot")
	}
	return c.JSON(fields)
}

func (s *Server) handleListEndpointPatterns(c *fiber.Ctx) error {
	fields, err := s.jobs.ListEndpointPatterns(c.Context())
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to load endpoint patterns")
	}
	return c.JSON(fields)
}

func (s *Server) handleGetRecordErrorCounts(c *fiber.Ctx) error {
	fields, err := s.jobs.GetRecordErrorCounts(c.Context())
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to load record error counts")
	}
	return c.JSON(fields)
}

func (s *Server) handlePauseQueue(c *fiber.Ctx) error {
	if err := s.jobQueue.Pause(c.Context()); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to pause queue")
	}
	return c.JSON(fiber.Map{"paused": true})
}

func (s *Server) handleResumeQueue(c *fiber.Ctx) error {
	if err := s.jobQueue.Resume(c.Context()); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to resume queue")
	}
	return c.JSON(fiber.Map{"paused": false})
}

// Listen starts the server; it blocks until the listener stops or errors.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully drains in-flight HTTP requests.
func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(10 * time.Second)
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

type createSessionRequest struct {
	APIURL  string      `json:"apiUrl"`
	Auth    domain.Auth `json:"auth"`
	OwnerID string      `json:"ownerUserId"`
}

func (s *Server) handleCreateSession(c *fiber.Ctx) error {
	var req createSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.APIURL == "" || req.OwnerID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "apiUrl and ownerUserId are required")
	}

	sess := &domain.Session{
		SessionID: uuid.NewString(),
		APIURL:    req.APIURL,
		Auth:      req.Auth,
		CreatedAt: time.Now().UTC(),
		OwnerUser: req.OwnerID,
	}
	if err := s.sessions.PutSession(c.Context(), sess, s.sessionTTL); err != nil {
		s.logger.Error("create session failed", zap.Error(err))
		return fiber.NewError(fiber.StatusInternalServerError, "failed to create session")
	}
	return c.Status(fiber.StatusCreated).JSON(sess)
}

func (s *Server) handleGetSession(c *fiber.Ctx) error {
	sess, err := s.sessions.GetSession(c.Context(), c.Params("sessionId"))
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, "session not found")
	}
	return c.JSON(sess)
}

func (s *Server) handleGetSessionStats(c *fiber.Ctx) error {
	stats, err := s.sessions.GetSessionStats(c.Context(), c.Params("sessionId"))
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to load session stats")
	}
	return c.JSON(stats)
}

type createJobRequest struct {
	Name      string          `json:"name"`
	SessionID string          `json:"sessionId"`
	Records   []domain.Record `json:"records"`
	Verbose   bool            `json:"verbose"`
}

func (s *Server) handleCreateJob(c *fiber.Ctx) error {
	var req createJobRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.SessionID == "" || len(req.Records) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "sessionId and a non-empty records list are required")
	}
	if req.Name == "" {
		req.Name = "dispatch"
	}

	job := domain.Job{
		SessionID: req.SessionID,
		Records:   req.Records,
		Verbose:   req.Verbose,
	}
	rec, err := s.jobQueue.Add(c.Context(), req.Name, job, queue.DefaultOptions())
	if err != nil {
		s.logger.Error("enqueue job failed", zap.Error(err))
		return fiber.NewError(fiber.StatusInternalServerError, "failed to enqueue job")
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"jobId": rec.ID, "status": rec.Status})
}

func (s *Server) handleGetJob(c *fiber.Ctx) error {
	rec, err := s.jobQueue.GetJob(c.Context(), c.Params("jobId"))
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, "job not found")
	}
	return c.JSON(rec)
}

func (s *Server) handleGetJobMetrics(c *fiber.Ctx) error {
	fields, err := s.jobs.GetJobMetrics(c.Context(), c.Params("jobId"))
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to load job metrics")
	}
	return c.JSON(fields)
}

func (s *Server) handleListUserActionErrors(c *fiber.Ctx) error {
	ids, err := s.jobs.ListUserActionErrors(c.Context(), c.Params("sessionId"))
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to list user action errors")
	}
	return c.JSON(fiber.Map{"errorIds": ids})
}

func (s *Server) handleGetUserActionError(c *fiber.Ctx) error {
	uae, err := s.jobs.GetUserActionError(c.Context(), c.Params("errorId"))
	if err != nil {
		return fiber.NewError(fiber.StatusNotFound, "user action error not found")
	}
	return c.JSON(uae)
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
	Replay     bool   `json:"replay"`
}

// handleResolveUserActionError marks a REQUIRES_USER_ACTION error resolved
// and, if requested, resubmits its original record through the pipeline —
// the manual replay feature SPEC_FULL.md supplements onto the original
// spec's record-level error taxonomy.
func (s *Server) handleResolveUserActionError(c *fiber.Ctx) error {
	errorID := c.Params("errorId")
	var req resolveRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.Resolution == "" {
		return fiber.NewError(fiber.StatusBadRequest, "resolution is required")
	}

	if err := s.jobs.ResolveUserActionError(c.Context(), errorID, req.Resolution, time.Now().UTC()); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to resolve user action error")
	}

	if !req.Replay {
		return c.JSON(fiber.Map{"resolved": true, "replayed": false})
	}
	if s.replayer == nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "replay is not available on this instance")
	}
	if err := s.replayer.Replay(c.Context(), errorID); err != nil {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"resolved": true, "replayed": false, "replayError": err.Error()})
	}
	return c.JSON(fiber.Map{"resolved": true, "replayed": true})
}

func jsonErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if fe, ok := err.(*fiber.Error); ok {
		code = fe.Code
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
