package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/jongwoo108/yak-sok/internal/models"
	"github.com/jongwoo108/yak-sok/internal/safetyline"
)

// Engine 安全线引擎中对外暴露的操作
type Engine interface {
	PlanDose(ctx context.Context, doseID int64) (safetyline.Result, error)
	CancelDose(ctx context.Context, doseID int64) (safetyline.Result, error)
	RunSweep(ctx context.Context, date time.Time) (safetyline.SweepReport, error)
}

// AlertLister 报警历史查询
type AlertLister interface {
	ListForUsers(ctx context.Context, userIDs []int64, status models.AlertStatus, limit int) ([]*models.Alert, error)
}

// SeniorLister 监护人 → 老人
type SeniorLister interface {
	ListSeniors(ctx context.Context, guardianID int64) ([]int64, error)
}

// Server HTTP 接口
type Server struct {
	engine         Engine
	alerts         AlertLister
	seniors        SeniorLister
	location       *time.Location
	allowedOrigins []string
	logger         *zap.Logger

	now func() time.Time
}

// NewServer 创建 HTTP 接口
func NewServer(engine Engine, alerts AlertLister, seniors SeniorLister, loc *time.Location, allowedOrigins []string, logger *zap.Logger) *Server {
	if loc == nil {
		loc = time.UTC
	}
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return &Server{
		engine:         engine,
		alerts:         alerts,
		seniors:        seniors,
		location:       loc,
		allowedOrigins: allowedOrigins,
		logger:         logger,
		now:            time.Now,
	}
}

// Router 路由
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/doses/{id}/taken", s.handleDoseTaken)
		r.Post("/doses/{id}/plan", s.handlePlanDose)
		r.Post("/sweep", s.handleSweep)
		r.Get("/users/{id}/alerts", s.handleUserAlerts)
		r.Get("/guardians/{id}/alerts", s.handleGuardianAlerts)
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http_request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
