/***************************************************************
 *
 * Copyright (C) 2025, Vernis Project
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

// Package database owns the sqlite-backed persistence shared by the
// catalog boundary and the cache subsystem: artwork rows, the persisted
// primary signed-URL entries, and the append-only metric event log.
package database

import (
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/vernisproject/vernis/param"
)

var ServerDatabase *gorm.DB

// Init opens (creating if necessary) the server database at
// Server.DbLocation and migrates the schema.
func Init() error {
	dbPath := param.Server_DbLocation.GetString()
	log.Debugln("Initializing server database:", dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return errors.Wrapf(err, "failed to create database directory %s", filepath.Dir(dbPath))
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return errors.Wrapf(err, "failed to open database at %s", dbPath)
	}
	ServerDatabase = db

	if err := ServerDatabase.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return errors.Wrap(err, "failed to enable foreign key constraints")
	}
	// WAL keeps the metric-event writers from blocking behind the
	// retention job's deletes.
	if err := ServerDatabase.Exec("PRAGMA journal_mode = WAL").Error; err != nil {
		return errors.Wrap(err, "failed to enable WAL journaling")
	}

	return migrate(ServerDatabase)
}

// InitInMemory sets up an ephemeral database; test helper.
func InitInMemory() error {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return errors.Wrap(err, "failed to open in-memory database")
	}
	ServerDatabase = db
	return migrate(ServerDatabase)
}

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Artwork{}, &ArtworkURL{}, &MetricEvent{}); err != nil {
		return errors.Wrap(err, "failed to migrate database schema")
	}
	return nil
}

// Shutdown closes the underlying connection pool.
func Shutdown() error {
	if ServerDatabase == nil {
		return nil
	}
	sqlDB, err := ServerDatabase.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// nowFunc is swapped out by tests that need deterministic timestamps.
var nowFunc = time.Now
