package framework

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/openvci/issuer-service/internal/util"
)

// Respond converts a Go value to JSON and sends it to the client.
func Respond(c *gin.Context, data any, statusCode int) {
	if statusCode == http.StatusNoContent || data == nil {
		c.Status(statusCode)
		return
	}
	c.JSON(statusCode, data)
}

// RespondError sends an error response back to the client. If the error is a
// SafeError, the error message and fields are sent back to the client. If it
// is not, a generic 500 is sent so no sensitive detail leaks.
func RespondError(c *gin.Context, err error) {
	var safeErr *SafeError
	if errors.As(errors.Cause(err), &safeErr) {
		Respond(c, ErrorResponse{Error: safeErr.Err.Error(), Fields: safeErr.Fields}, safeErr.StatusCode)
		return
	}
	Respond(c, ErrorResponse{Error: http.StatusText(http.StatusInternalServerError)}, http.StatusInternalServerError)
}

// LoggingRespondError logs the error and responds with it using the given status code.
func LoggingRespondError(c *gin.Context, err error, statusCode int) {
	RespondError(c, NewRequestError(util.LoggingError(err), statusCode))
}

// LoggingRespondErrMsg logs and responds with an error constructed from the given message.
func LoggingRespondErrMsg(c *gin.Context, errMsg string, statusCode int) {
	LoggingRespondError(c, errors.New(errMsg), statusCode)
}

// LoggingRespondErrWithMsg logs and responds with an error wrapped with the given message.
func LoggingRespondErrWithMsg(c *gin.Context, err error, errMsg string, statusCode int) {
	LoggingRespondError(c, errors.Wrap(err, errMsg), statusCode)
}
