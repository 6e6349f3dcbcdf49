package routes

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"voiceagent/controllers"
	"voiceagent/middlewares"
)

type Options struct {
	Calls   *controllers.CallController
	Monitor *controllers.MonitorController
	Logger  *slog.Logger
	// TwilioAuthToken enables webhook signature checks when set.
	TwilioAuthToken string
	PublicBaseURL   string
}

func SetupRouter(opts Options) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middlewares.Logger(opts.Logger))

	twilio := r.Group("/twilio")
	if opts.TwilioAuthToken != "" {
		twilio.Use(middlewares.TwilioSignature(opts.TwilioAuthToken, opts.PublicBaseURL, opts.Logger))
	}
	twilio.POST("/webhook", opts.Calls.IncomingCall)
	twilio.POST("/conversation", opts.Calls.Conversation)
	twilio.POST("/call_status", opts.Calls.CallStatus)

	ops := r.Group("/", cors())
	ops.GET("/", opts.Monitor.Health)
	ops.GET("/active_calls", opts.Monitor.ActiveCalls)
	ops.GET("/active_calls/stream", opts.Monitor.Stream)
	ops.GET("/conversations", opts.Monitor.ListConversations)
	ops.GET("/conversations/:call_sid", opts.Monitor.GetConversation)

	return r
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
