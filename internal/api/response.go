package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"beaconattend/internal/attendance"
)

// success writes a success envelope merged with fields.
func success(c *gin.Context, message string, fields gin.H) {
	body := gin.H{"success": true, "message": message}
	for k, v := range fields {
		body[k] = v
	}
	c.JSON(http.StatusOK, body)
}

func fail(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "message": message})
}

func badRequest(c *gin.Context, message string) {
	fail(c, http.StatusBadRequest, message)
}

func forbidden(c *gin.Context, message string) {
	fail(c, http.StatusForbidden, message)
}

// StatusFor maps an error kind onto an HTTP status.
func StatusFor(err error) int {
	switch attendance.KindOf(err) {
	case attendance.KindValidation:
		return http.StatusBadRequest
	case attendance.KindConflict:
		return http.StatusConflict
	case attendance.KindNotFound:
		return http.StatusNotFound
	case attendance.KindState, attendance.KindOutOfRange:
		return http.StatusForbidden
	case attendance.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err. Internal and transient causes are logged and never
// echoed to the client.
func writeError(c *gin.Context, op string, err error) {
	status := StatusFor(err)
	message := attendance.MessageOf(err)
	if status >= http.StatusInternalServerError {
		log.Printf("%s failed: %v", op, err)
	}
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	body := gin.H{"success": false, "message": message}
	var e *attendance.Error
	if errors.As(err, &e) {
		body["code"] = e.Code
	}
	c.AbortWithStatusJSON(status, body)
}
