package middlewares

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/twilio/twilio-go/client"
)

const TwilioSignatureHeader = "X-Twilio-Signature"

// TwilioSignature rejects webhook posts that were not signed with the
// account's auth token. Twilio signs the public URL it called, so publicBaseURL
// must match what is configured on the phone number.
func TwilioSignature(authToken, publicBaseURL string, logger *slog.Logger) gin.HandlerFunc {
	validator := client.NewRequestValidator(authToken)
	return func(c *gin.Context) {
		if err := c.Request.ParseForm(); err != nil {
			c.AbortWithStatus(http.StatusBadRequest)
			return
		}
		params := make(map[string]string, len(c.Request.PostForm))
		for k, v := range c.Request.PostForm {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}

		url := publicBaseURL + c.Request.URL.RequestURI()
		if !validator.Validate(url, params, c.GetHeader(TwilioSignatureHeader)) {
			logger.WarnContext(c.Request.Context(), "rejected webhook with invalid twilio signature",
				"path", c.Request.URL.Path,
				"request_id", RequestIDFrom(c.Request.Context()),
			)
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		c.Next()
	}
}
