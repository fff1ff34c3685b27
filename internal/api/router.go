package api

import (
	"net/http"
	"time"

	"who_knows_rewards/internal/middleware"
	"who_knows_rewards/internal/service"
	"who_knows_rewards/pkg/logger"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Dependencies struct {
	Rewards     service.RewardsServiceI
	Leaderboard service.LeaderboardServiceI
	Feed        Subscriber
	Auth        *middleware.Authorization
	Limiter     *middleware.RateLimiter

	// TrustedProxies are the peers whose X-Forwarded-For gin believes when
	// resolving the client IP. Empty trusts none.
	TrustedProxies []string
}

func NewRouter(deps Dependencies) *gin.Engine {
	router := gin.New()
	if err := router.SetTrustedProxies(deps.TrustedProxies); err != nil {
		logger.Logger().Error("invalid trusted proxies, trusting none", zap.Error(err))
	}
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())

	config := cors.DefaultConfig()
	config.AllowAllOrigins = true
	config.AllowMethods = []string{
		http.MethodHead,
		http.MethodGet,
		http.MethodPost,
	}
	config.AllowHeaders = []string{"*"}
	config.MaxAge = 12 * time.Hour

	router.Use(cors.New(config))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a := router.Group("/api/v1")
	NewRewardsRoutes(a, deps.Rewards, deps.Leaderboard, deps.Limiter)
	NewAdminRoutes(a, deps.Leaderboard, deps.Auth)
	if deps.Feed != nil {
		NewFeedRoutes(a, deps.Feed)
	}

	return router
}
