package api

import (
	"encoding/json"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"beaconattend/internal/attendance"
	"beaconattend/internal/auth"
)

type startSessionRequest struct {
	SessionID       string `json:"session_id"`
	ClassID         string `json:"class_id"`
	RoomID          string `json:"room_id"`
	BeaconID        string `json:"beacon_id"`
	OwnerID         string `json:"owner_id"`
	InstructorID    string `json:"instructor_id"`
	StartTime       string `json:"start_time"`
	WindowMinutes   *int   `json:"window_minutes"`
	SessionDuration *int   `json:"session_duration"`
}

func (h *Handler) startSession(c *gin.Context) {
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}

	owner := firstNonEmpty(req.OwnerID, req.InstructorID)
	if claims, ok := auth.ClaimsFrom(c); ok {
		if owner == "" {
			owner = claims.Subject
		} else if owner != claims.Subject {
			forbidden(c, "owner_id does not match token")
			return
		}
	}

	var start time.Time
	if req.StartTime != "" {
		parsed, err := time.Parse(time.RFC3339, req.StartTime)
		if err != nil {
			badRequest(c, "start_time must be RFC3339")
			return
		}
		start = parsed
	}
	window := 0
	switch {
	case req.WindowMinutes != nil:
		window = *req.WindowMinutes
	case req.SessionDuration != nil:
		window = *req.SessionDuration
	}

	sess, err := h.svc.StartSession(c.Request.Context(), attendance.StartRequest{
		SessionID:     req.SessionID,
		ClassID:       req.ClassID,
		RoomID:        req.RoomID,
		BeaconID:      req.BeaconID,
		OwnerID:       owner,
		StartTime:     start,
		WindowMinutes: window,
	})
	if err != nil {
		writeError(c, "start session", err)
		return
	}
	success(c, "Session started successfully", gin.H{"session": sess})
}

func (h *Handler) endSession(c *gin.Context) {
	res, err := h.svc.EndSession(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		writeError(c, "end session", err)
		return
	}
	message := "Session ended successfully"
	if res.AlreadyClosed {
		message = "Session already ended"
	}
	success(c, message, gin.H{
		"session_id":     res.Session.ID,
		"end_time":       res.Session.EndTime,
		"absent_count":   res.AbsentCount,
		"already_closed": res.AlreadyClosed,
	})
}

func (h *Handler) sessionStatus(c *gin.Context) {
	sess, active, err := h.svc.SessionStatus(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		writeError(c, "session status", err)
		return
	}
	success(c, "Session found", gin.H{"session": sess, "is_active": active})
}

func (h *Handler) activeSessions(c *gin.Context) {
	sessions, err := h.svc.ActiveSessions(c.Request.Context())
	if err != nil {
		writeError(c, "active sessions", err)
		return
	}
	success(c, "Active sessions", gin.H{"sessions": sessions, "total": len(sessions)})
}

type checkInRequest struct {
	StudentID      string          `json:"student_id"`
	BeaconID       string          `json:"beacon_id"`
	SignalStrength json.RawMessage `json:"signal_strength"`
	RSSI           json.RawMessage `json:"rssi"`
}

func (h *Handler) checkIn(c *gin.Context) {
	var req checkInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	if claims, ok := auth.ClaimsFrom(c); ok {
		if req.StudentID == "" {
			req.StudentID = claims.Subject
		} else if req.StudentID != claims.Subject {
			forbidden(c, "student_id does not match token")
			return
		}
	}

	signal := attendance.ParseSignal(req.SignalStrength)
	if signal == nil {
		signal = attendance.ParseSignal(req.RSSI)
	}

	res, err := h.svc.CheckIn(c.Request.Context(), attendance.CheckInRequest{
		StudentID:      req.StudentID,
		BeaconID:       req.BeaconID,
		SignalStrength: signal,
	})
	if err != nil {
		writeError(c, "check-in", err)
		return
	}
	message := "Check-in successful"
	if res.AlreadyCheckedIn {
		message = "Already checked in for this session"
	}
	success(c, message, gin.H{
		"record":             res.Record,
		"session":            res.Session,
		"student_name":       res.StudentName,
		"already_checked_in": res.AlreadyCheckedIn,
	})
}

func (h *Handler) sessionRecords(c *gin.Context) {
	sr, err := h.svc.SessionRecords(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		writeError(c, "session records", err)
		return
	}
	records := sr.Records
	if records == nil {
		records = []attendance.Record{}
	}
	success(c, "Attendance records", gin.H{
		"session":       sr.Session,
		"records":       records,
		"count":         len(records),
		"total_present": sr.CountByStatus(attendance.StatusPresent),
		"total_late":    sr.CountByStatus(attendance.StatusLate),
		"total_absent":  sr.CountByStatus(attendance.StatusAbsent),
	})
}

func (h *Handler) studentRecords(c *gin.Context) {
	studentID := c.Param("student_id")
	if claims, ok := auth.ClaimsFrom(c); ok && claims.Role == auth.RoleStudent && claims.Subject != studentID {
		forbidden(c, "students may only read their own records")
		return
	}
	records, err := h.svc.StudentRecords(c.Request.Context(), studentID)
	if err != nil {
		writeError(c, "student records", err)
		return
	}
	if records == nil {
		records = []attendance.Record{}
	}
	success(c, "Attendance records", gin.H{"student_id": studentID, "records": records, "count": len(records)})
}

func (h *Handler) exportSession(c *gin.Context) {
	p, err := h.exporter.Build(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		writeError(c, "export", err)
		return
	}
	if strings.EqualFold(c.Query("format"), "json") {
		success(c, "Export generated", gin.H{"csvData": p.CSVData, "filename": p.Filename})
		return
	}
	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": p.Filename}))
	c.Data(http.StatusOK, "text/csv; charset=utf-8", []byte(p.CSVData))
}

func (h *Handler) validateBeacon(c *gin.Context) {
	var req struct {
		BeaconID string `json:"beacon_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.BeaconID) == "" {
		badRequest(c, "missing beacon_id")
		return
	}
	v, err := h.svc.ValidateBeacon(c.Request.Context(), req.BeaconID)
	if err != nil {
		writeError(c, "validate beacon", err)
		return
	}
	success(c, v.Message, gin.H{"valid": v.Valid, "session": v.Session})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
