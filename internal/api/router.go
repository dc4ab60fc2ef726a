package api

import (
	"time"

	"github.com/gin-contrib/cors"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"waitline/internal/auth"
	"waitline/internal/handlers"
	"waitline/internal/models"
)

type Handlers struct {
	Auth     *handlers.AuthHandler
	Queue    *handlers.QueueHandler
	Services *handlers.ServiceHandler
}

// SetupRoutes регистрирует маршруты API. Очереди бизнеса и услуги
// обслуживаются одним набором обработчиков.
func (s *Server) SetupRoutes(h Handlers, authenticator *auth.Authenticator) {
	r := s.engine

	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", handlers.QueueTokenHeader},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	authGroup := r.Group("/auth")
	{
		authGroup.POST("/login", h.Auth.Login)
		authGroup.POST("/register", h.Auth.Register)
		authGroup.POST("/refresh", h.Auth.RefreshToken)
	}

	api := r.Group("/api")

	// Доступ по токену членства, без авторизации.
	api.GET("/membership", h.Queue.GetMembership)
	api.DELETE("/membership", h.Queue.LeaveByToken)

	for _, path := range []string{
		"/businesses/:businessId/queue",
		"/businesses/:businessId/services/:serviceId/queue",
	} {
		api.GET(path+"/ws", h.Queue.QueueWebSocket)

		q := api.Group(path, auth.Middleware(authenticator))
		{
			q.GET("", h.Queue.GetQueueStatus)
			q.GET("/position", h.Queue.GetPosition)
			q.POST("/join", h.Queue.JoinQueue)
			q.POST("/leave", h.Queue.LeaveQueue)
			q.POST("/call-next", auth.RequireRole(models.RoleBusiness), h.Queue.CallNext)
		}
	}

	private := api.Group("", auth.Middleware(authenticator))
	{
		private.GET("/profile/queues", h.Queue.GetUserQueues)
	}

	business := api.Group("", auth.Middleware(authenticator), auth.RequireRole(models.RoleBusiness))
	{
		business.POST("/entries/:entryId/complete", h.Queue.CompleteEntry)
		business.POST("/entries/:entryId/remove", h.Queue.RemoveEntry)

		business.POST("/services", h.Services.CreateService)
		business.GET("/services", h.Services.ListServices)
		business.PATCH("/services/:serviceId/status", h.Services.UpdateStatus)
	}
}
