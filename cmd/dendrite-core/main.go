// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Command dendrite-core runs the room-event-engine homeserver of
// SPEC_FULL.md: it loads config, wires a storage.Database backend, a
// stateres.Resolver, a roomserver.Engine and the clientapi/routing HTTP
// surface, then serves until terminated.
package main

import (
	"flag"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/matrix-org/dendrite-core/clientapi/routing"
	"github.com/matrix-org/dendrite-core/internal/httputil"
	"github.com/matrix-org/dendrite-core/internal/sign"
	"github.com/matrix-org/dendrite-core/roomserver"
	"github.com/matrix-org/dendrite-core/setup/config"
	"github.com/matrix-org/dendrite-core/storage"
	"github.com/matrix-org/dendrite-core/storage/memory"
	"github.com/matrix-org/dendrite-core/storage/postgres"
	"github.com/matrix-org/dendrite-core/storage/sqlite3"
	"github.com/matrix-org/dendrite-core/stateres"
)

var configPath = flag.String("config", "dendrite-core.yaml", "Path to the configuration YAML file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid log_level")
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	db, err := openStorage(&cfg.Database)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open storage backend")
	}

	if _, err := sign.LoadDirectory(cfg.KeysDirectory); err != nil {
		logrus.WithError(err).Warn("No signing keys loaded; minted events will be unsigned")
	}

	resolver := stateres.NewResolver(db)
	engine := roomserver.New(db, resolver)
	limits := httputil.NewRateLimits(&cfg.RateLimiting)
	defer limits.Stop()

	services := routing.NewServices(cfg, db, engine, limits)
	router := mux.NewRouter()
	routing.Setup(router, services)
	router.Handle("/metrics", httputil.WrapHandlerInBasicAuth(promhttp.Handler(), httputil.BasicAuth{}))

	logrus.WithFields(logrus.Fields{
		"domain": cfg.Domain,
		"listen": cfg.Listen,
		"db":     cfg.Database.Type,
	}).Info("Starting dendrite-core")

	if err := http.ListenAndServe(cfg.Listen, router); err != nil {
		logrus.WithError(err).Fatal("HTTP server exited")
	}
}

func openStorage(dbCfg *config.Database) (storage.Database, error) {
	switch dbCfg.Type {
	case "postgres":
		return postgres.Open(dbCfg.ConnectionString)
	case "sqlite3":
		return sqlite3.Open(dbCfg.ConnectionString)
	default:
		return memory.New(), nil
	}
}
