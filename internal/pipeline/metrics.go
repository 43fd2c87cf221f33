package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stageDocsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docbase",
		Subsystem: "pipeline",
		Name:      "stage_docs_processed_total",
		Help:      "Documents processed per stage.",
	}, []string{"stage"})

	stageDocFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docbase",
		Subsystem: "pipeline",
		Name:      "stage_doc_failures_total",
		Help:      "Documents skipped in a pass after a stage failure.",
	}, []string{"stage"})

	pipelinePasses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docbase",
		Subsystem: "pipeline",
		Name:      "passes_total",
		Help:      "Completed pipeline passes.",
	})
)
