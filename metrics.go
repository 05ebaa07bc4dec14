package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	zoneSyncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zonesync",
		Name:      "zone_sync_total",
		Help:      "Zone synchronizations by backend and result (created, patched, noop, deleted, failed).",
	}, []string{"backend", "result"})

	trackerAbortTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "zonesync",
		Name:      "tracker_abort_total",
		Help:      "Change tracking scopes that aborted without synchronizing.",
	})

	concurrencyConflictTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "zonesync",
		Name:      "concurrency_conflict_total",
		Help:      "RRset writes rejected by the uniqueness constraint.",
	})

	dynDNSTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zonesync",
		Name:      "dyndns_update_total",
		Help:      "Dynamic DNS update requests by outcome.",
	}, []string{"result"})
)
