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

package main

import (
	"context"
	"fmt"
	"log"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/vendhub/recon/api"
	"github.com/vendhub/recon/config"
	trace "github.com/vendhub/recon/internal/traces"
)

const serviceName = "VENDING_RECON"

func initializeRouter(r *reconInstance) *gin.Engine {
	return api.NewAPI(r.recon).Router()
}

// initializeObservability starts the OTel SDK when telemetry is enabled. The returned
// shutdown is never nil.
func initializeObservability(ctx context.Context, cfg *config.Configuration) (func(context.Context) error, error) {
	if !cfg.EnableTelemetry {
		return func(context.Context) error { return nil }, nil
	}
	if err := config.SetOtelExporterEnvs(); err != nil {
		return nil, err
	}
	shutdown, err := trace.SetupOTelSDK(ctx, serviceName)
	if err != nil {
		return nil, fmt.Errorf("error setting up OTel SDK: %v", err)
	}
	return shutdown, nil
}

func startServer(router *gin.Engine, cfg config.ServerConfig) error {
	log.Printf("Starting server on http://localhost:%s", cfg.Port)
	return router.Run(":" + cfg.Port)
}

// serverCommands returns the command that serves the reconciliation HTTP API.
func serverCommands(r *reconInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start the reconciliation api server",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			shutdown, err := initializeObservability(ctx, r.cnf)
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(ctx); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			router := initializeRouter(r)
			if err := startServer(router, r.cnf.Server); err != nil {
				log.Fatal(err)
			}
		},
	}

	return cmd
}
