// Copyright 2024 Algodoeira Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	balesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "baletrack_bales_created_total",
		Help: "Bales inserted into the authoritative store",
	})

	balesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "baletrack_bales_skipped_total",
		Help: "Batch candidates skipped because their identifier already existed (idempotent retries)",
	})

	statusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "baletrack_status_transitions_total",
		Help: "Lifecycle transitions by resulting status",
	}, []string{"status"})

	statusConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "baletrack_status_conflicts_total",
		Help: "Rejected lifecycle transitions",
	})

	eventSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "baletrack_event_subscribers",
		Help: "Currently connected event-stream clients",
	})
)
