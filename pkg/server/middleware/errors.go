package middleware

import (
	"os"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/openvci/issuer-service/config"
	"github.com/openvci/issuer-service/pkg/server/framework"
)

// Errors handles errors coming out of the call stack. It detects safe
// application errors (aka SafeError) that are used to respond to the requester
// in a normalized way. Shutdown-worthy errors signal the shutdown channel.
func Errors(shutdown chan os.Signal) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		ginErrors := c.Errors.ByType(gin.ErrorTypeAny)
		if len(ginErrors) == 0 {
			return
		}

		tracer := trace.SpanFromContext(c).TracerProvider().Tracer(config.ServiceName)
		_, span := tracer.Start(c, "middleware.errors")
		defer span.End()

		for _, e := range ginErrors {
			if framework.IsShutdown(e.Err) {
				logrus.WithError(e.Err).Error("shutdown-worthy error")
				shutdown <- os.Interrupt
				return
			}
		}

		logrus.Errorf("%s : ERROR : %v", span.SpanContext().TraceID().String(), ginErrors)
		if !c.Writer.Written() {
			framework.RespondError(c, ginErrors.Last().Err)
		}
	}
}
