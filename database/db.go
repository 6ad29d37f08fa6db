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

package database

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/vendhub/recon/config"
	"github.com/vendhub/recon/internal/cache"
)

// Ensure the instance is not accessible outside the package.
var instance *Datasource
var once sync.Once

// Datasource is the Postgres-backed store of runs, mismatches and staged source rows.
// Cache is optional; when set, terminal runs are served from it.
type Datasource struct {
	Conn        *sql.DB
	Cache       cache.Cache
	RunCacheTTL time.Duration
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		c, errCache := cache.NewCache()
		if errCache != nil {
			logrus.Warnf("run cache disabled: %v", errCache)
			c = nil
		}
		ttl := time.Duration(configuration.Reconciliation.RunCacheTTLSec) * time.Second
		instance = &Datasource{Conn: con, Cache: c, RunCacheTTL: ttl}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

// ConnectDB opens and pings a Postgres connection. Schema setup is left to the migrate command.
func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		logrus.Errorf("database connection error: %v", err)
		return nil, err
	}
	return db, nil
}
