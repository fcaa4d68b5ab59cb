package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestNewCollectorInitializesEveryMetric(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	c := NewCollector()

	assert.NotNil(t, c.analysesStarted)
	assert.NotNil(t, c.analysesFinished)
	assert.NotNil(t, c.analysesCanceled)
	assert.NotNil(t, c.jobsDispatched)
	assert.NotNil(t, c.jobsCompleted)
	assert.NotNil(t, c.protocolErrors)
	assert.NotNil(t, c.jobLatency)
	assert.NotNil(t, c.imageSetsUnprocessed)
	assert.NotNil(t, c.imageSetsInProcess)
	assert.NotNil(t, c.imageSetsDone)
	assert.NotNil(t, c.workersAlive)
}

func TestRecordMethodsDoNotPanic(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	c := NewCollector()

	assert.NotPanics(t, func() {
		c.RecordStarted()
		c.RecordFinished()
		c.RecordCancelled()
		c.RecordDispatch()
		c.RecordCompleted(time.Now().Add(-250 * time.Millisecond))
		c.RecordProtocolError()
		c.SetImageSetCounts(3, 2, 1)
		c.SetWorkersAlive(4)
	})
}
