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
package middleware

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	"github.com/gin-gonic/gin"

	"github.com/vendhub/recon/config"
)

// KeyHeader carries the shared operator key when the server runs in secure mode.
const KeyHeader = "X-Recon-Key"

// RateLimitMiddleware limits each client per route. Starting or creating runs draws
// from a different allowance than polling a run or paging its mismatches.
func RateLimitMiddleware(conf config.RateLimitConfig) gin.HandlerFunc {
	if conf.RequestsPerSecond == nil || conf.Burst == nil {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	ttl := time.Hour
	if conf.CleanupIntervalSec != nil {
		ttl = time.Duration(*conf.CleanupIntervalSec) * time.Second
	}
	lmt := tollbooth.NewLimiter(*conf.RequestsPerSecond, &limiter.ExpirableOptions{
		DefaultExpirationTTL: ttl,
	})
	lmt.SetBurst(*conf.Burst)

	return func(c *gin.Context) {
		if httpError := tollbooth.LimitByKeys(lmt, []string{c.ClientIP(), routeKey(c)}); httpError != nil {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(httpError.StatusCode, gin.H{"error": "too many requests, retry shortly"})
			return
		}
		c.Next()
	}
}

func routeKey(c *gin.Context) string {
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	return c.Request.Method + " " + route
}

// SecretKeyAuthMiddleware requires KeyHeader to equal secret on every route except the
// health check.
func SecretKeyAuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.FullPath() == "/" {
			c.Next()
			return
		}
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "operator key is not configured"})
			return
		}

		key := c.GetHeader(KeyHeader)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing " + KeyHeader + " header"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(secret), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid operator key"})
			return
		}
		c.Next()
	}
}
