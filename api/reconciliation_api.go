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
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/vendhub/recon"
	model2 "github.com/vendhub/recon/api/model"
	"github.com/vendhub/recon/internal/apierror"
)

// CreateRun stores a pending reconciliation run.
func (a Api) CreateRun(c *gin.Context) {
	var req model2.CreateRun
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.ValidateCreateRun(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	params, err := req.ToRunParams()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	run, err := a.recon.CreateRun(c.Request.Context(), params)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, run)
}

// StartRun dispatches a pending run. The response carries the run in processing state;
// callers poll GetRun for the outcome.
func (a Api) StartRun(c *gin.Context) {
	run, err := a.recon.StartRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, run)
}

func (a Api) GetRun(c *gin.Context) {
	run, err := a.recon.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (a Api) CancelRun(c *gin.Context) {
	run, err := a.recon.CancelRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// ListMismatches returns a page of a run's mismatches filtered by query parameters.
func (a Api) ListMismatches(c *gin.Context) {
	filter, err := model2.ParseMismatchFilter(c.Query)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	mismatches, err := a.recon.ListMismatches(c.Request.Context(), c.Param("id"), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, mismatches)
}

func (a Api) GetMismatch(c *gin.Context) {
	mismatch, err := a.recon.GetMismatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, mismatch)
}

func (a Api) ResolveMismatch(c *gin.Context) {
	var req model2.ResolveMismatch
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.ValidateResolveMismatch(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	mismatch, err := a.recon.ResolveMismatch(c.Request.Context(), c.Param("id"), req.ResolutionNotes, req.ResolvedBy)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, mismatch)
}

func writeError(c *gin.Context, err error) {
	var (
		validationErr *recon.ValidationError
		duplicateErr  *recon.DuplicateExecutionError
		transitionErr *recon.InvalidTransitionError
	)
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &duplicateErr), errors.As(err, &transitionErr):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		if apiErr, ok := apierror.AsAPIError(err); ok {
			c.JSON(apierror.MapErrorToHTTPStatus(apiErr), gin.H{"error": apiErr.Message})
			return
		}
		logrus.WithField("path", c.FullPath()).Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
