// Copyright 2023-2024 The Stackwalk Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package unwind

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type storeMetrics struct {
	publishedTables prometheus.Counter
	publishedRows   prometheus.Counter
	shardsUsed      prometheus.Gauge
}

func newStoreMetrics(reg prometheus.Registerer) *storeMetrics {
	return &storeMetrics{
		publishedTables: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "stackwalk_unwind_store_published_tables_total",
			Help: "Number of unwind tables published to the store.",
		}),
		publishedRows: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "stackwalk_unwind_store_published_rows_total",
			Help: "Number of unwind rows written across all shards.",
		}),
		shardsUsed: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "stackwalk_unwind_store_shards_used",
			Help: "Number of table shards in use.",
		}),
	}
}
