package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"seqcore/internal/auth"
	"seqcore/internal/core"
	"seqcore/pkg/domain"
)

type rejectRequest struct {
	RedoReason string `json:"redoReason"`
}

type acceptRequest struct {
	Comment string `json:"comment"`
}

type registerFastqRequest struct {
	Labcode string `json:"labcode"`
	R1Key   string `json:"r1Key"`
	R2Key   string `json:"r2Key"`
}

// handleQueueEtl accepts an externally produced pipeline outcome and defers
// it onto the scheduled queue. The payload is persisted before the
// acknowledgement is written.
func (s *Server) handleQueueEtl(c *gin.Context) {
	var event core.ExternalEtlEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload: " + err.Error()})
		return
	}
	handle, err := s.queue.Receive(c.Request.Context(), event)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"message":      "etl result queued",
		"success":      true,
		"taskId":       handle.TaskID,
		"scheduledFor": handle.ScheduledFor,
	})
}

func (s *Server) handleListSessions(c *gin.Context) {
	q := core.SessionQuery{
		Search:   c.Query("q"),
		Status:   domain.FastqStatus(c.Query("status")),
		SortBy:   c.Query("sort"),
		SortDesc: c.Query("order") == "desc",
	}
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		q.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("pageSize", "20")); err == nil {
		q.PageSize = size
	}
	var parseErr error
	if q.From, parseErr = parseDateParam(c.Query("from")); parseErr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad from date: " + parseErr.Error()})
		return
	}
	if q.To, parseErr = parseDateParam(c.Query("to")); parseErr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad to date: " + parseErr.Error()})
		return
	}

	page, err := s.service.ListSessions(c.Request.Context(), q)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// parseDateParam accepts RFC 3339 timestamps and plain dates.
func parseDateParam(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Server) handleSessionDetail(c *gin.Context) {
	detail, err := s.service.GetSessionDetail(c.Request.Context(), c.Param("id"), domain.FastqStatus(c.Query("status")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (s *Server) handleRegisterFastq(c *gin.Context) {
	var req registerFastqRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload: " + err.Error()})
		return
	}
	user, _ := auth.UserFrom(c)
	file, err := s.service.RegisterFastqUpload(c.Request.Context(), c.Param("id"), req.Labcode, req.R1Key, req.R2Key, user)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, file)
}

func (s *Server) handleSubmitFastq(c *gin.Context) {
	user, _ := auth.UserFrom(c)
	file, err := s.service.SubmitFastq(c.Request.Context(), c.Param("id"), user)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, file)
}

func (s *Server) handleProcessAnalysis(c *gin.Context) {
	user, _ := auth.UserFrom(c)
	msg, err := s.service.ProcessAnalysis(c.Request.Context(), c.Param("id"), user)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": msg})
}

func (s *Server) handleApproveFastq(c *gin.Context) {
	user, _ := auth.UserFrom(c)
	file, err := s.service.ApproveFastq(c.Request.Context(), c.Param("id"), user)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, file)
}

func (s *Server) handleRejectFastq(c *gin.Context) {
	var req rejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload: " + err.Error()})
		return
	}
	user, _ := auth.UserFrom(c)
	file, err := s.service.RejectFastq(c.Request.Context(), c.Param("id"), req.RedoReason, user)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, file)
}

func (s *Server) handleDownloadEtlResult(c *gin.Context) {
	url, err := s.service.DownloadEtlResult(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url, "expiresIn": int(core.DownloadExpiry.Seconds())})
}

func (s *Server) handleSubmitForValidation(c *gin.Context) {
	user, _ := auth.UserFrom(c)
	result, err := s.service.SubmitForValidation(c.Request.Context(), c.Param("id"), user)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleAcceptEtlResult(c *gin.Context) {
	var req acceptRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload: " + err.Error()})
			return
		}
	}
	user, _ := auth.UserFrom(c)
	result, err := s.service.AcceptEtlResult(c.Request.Context(), c.Param("id"), req.Comment, user)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleRejectEtlResult(c *gin.Context) {
	var req rejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload: " + err.Error()})
		return
	}
	user, _ := auth.UserFrom(c)
	result, err := s.service.RejectEtlResult(c.Request.Context(), c.Param("id"), req.RedoReason, user)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleRetryEtlResult(c *gin.Context) {
	user, _ := auth.UserFrom(c)
	msg, err := s.service.RetryEtlResult(c.Request.Context(), c.Param("id"), user)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": msg})
}

func (s *Server) handleValidationSessions(c *gin.Context) {
	views, err := s.service.ValidationSessions(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": views})
}
