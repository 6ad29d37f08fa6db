/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/vendhub/recon"
	"github.com/vendhub/recon/api/middleware"
	"github.com/vendhub/recon/config"
)

type Api struct {
	recon  *recon.Recon
	router *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router

	runs := router.Group("/reconciliation/runs")
	runs.POST("", a.CreateRun)
	runs.GET("/:id", a.GetRun)
	runs.POST("/:id/start", a.StartRun)
	runs.POST("/:id/cancel", a.CancelRun)
	runs.GET("/:id/mismatches", a.ListMismatches)

	mismatches := router.Group("/reconciliation/mismatches")
	mismatches.GET("/:id", a.GetMismatch)
	mismatches.PUT("/:id/resolve", a.ResolveMismatch)

	return a.router
}

func NewAPI(r *recon.Recon) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	router := gin.Default()
	router.Use(otelgin.Middleware(conf.ProjectName))
	router.Use(middleware.RateLimitMiddleware(conf.RateLimit))
	if conf.Server.Secure {
		router.Use(middleware.SecretKeyAuthMiddleware(conf.Server.SecretKey))
	}

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	return &Api{recon: r, router: router}
}
