package httpapi

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jongwoo108/yak-sok/internal/models"
)

// handleDoseTaken 服药确认，取消未触发的升级
func (s *Server) handleDoseTaken(w http.ResponseWriter, r *http.Request) {
	doseID, ok := pathID(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, Fail("invalid dose id"))
		return
	}

	result, err := s.engine.CancelDose(r.Context(), doseID)
	if err != nil {
		s.logger.Error("CancelDose failed", zap.Int64("dose_id", doseID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to cancel dose alerts"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(result))
}

// handlePlanDose 手动为一次服药安排提醒
func (s *Server) handlePlanDose(w http.ResponseWriter, r *http.Request) {
	doseID, ok := pathID(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, Fail("invalid dose id"))
		return
	}

	result, err := s.engine.PlanDose(r.Context(), doseID)
	if err != nil {
		s.logger.Error("PlanDose failed", zap.Int64("dose_id", doseID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to plan dose"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(result))
}

// handleSweep 手动触发日扫描，date 缺省为今天（本地时区）
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	date := s.now().In(s.location)
	if v := strings.TrimSpace(r.URL.Query().Get("date")); v != "" {
		parsed, err := time.ParseInLocation("2006-01-02", v, s.location)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, Fail("invalid date, expected YYYY-MM-DD"))
			return
		}
		date = parsed
	}

	report, err := s.engine.RunSweep(r.Context(), date)
	if err != nil {
		s.logger.Error("RunSweep failed", zap.Time("date", date), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("sweep failed"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(report))
}

// handleUserAlerts 老人的报警历史
func (s *Server) handleUserAlerts(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, Fail("invalid user id"))
		return
	}
	s.listAlerts(w, r, []int64{userID})
}

// handleGuardianAlerts 监护人负责的全部老人的报警
func (s *Server) handleGuardianAlerts(w http.ResponseWriter, r *http.Request) {
	guardianID, ok := pathID(r, "id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, Fail("invalid guardian id"))
		return
	}

	seniors, err := s.seniors.ListSeniors(r.Context(), guardianID)
	if err != nil {
		s.logger.Error("ListSeniors failed", zap.Int64("guardian_id", guardianID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to list seniors"))
		return
	}
	s.listAlerts(w, r, seniors)
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request, userIDs []int64) {
	status, ok := parseStatus(r.URL.Query().Get("status"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, Fail("invalid status"))
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	alerts, err := s.alerts.ListForUsers(r.Context(), userIDs, status, limit)
	if err != nil {
		s.logger.Error("ListForUsers failed", zap.Int64s("user_ids", userIDs), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to list alerts"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": alerts,
		"total": len(alerts),
	}))
}

// parseStatus 空串或 all 表示不过滤
func parseStatus(v string) (models.AlertStatus, bool) {
	switch s := models.AlertStatus(strings.ToLower(strings.TrimSpace(v))); s {
	case "", "all":
		return "", true
	case models.AlertPending, models.AlertSent, models.AlertCancelled, models.AlertFailed:
		return s, true
	default:
		return "", false
	}
}
