package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

var Registry = prometheus.NewRegistry()

// InserterMetrics collects the shred inserter counters. The inserter
// takes it as a dependency; nothing here is global beyond the package
// Registry default.
type InserterMetrics struct {
	NumShreds                         prometheus.Counter
	NumInserted                       prometheus.Counter
	NumRepair                         prometheus.Counter
	NumRecovered                      prometheus.Counter
	NumRecoveredFailedSig             prometheus.Counter
	NumRecoveredFailedInvalid         prometheus.Counter
	NumCodeShredsExists               prometheus.Counter
	NumCodeShredsInvalid              prometheus.Counter
	NumCodeShredsInvalidErasureConfig prometheus.Counter
	NumDataShredsInvalid              prometheus.Counter

	InsertLockElapsedUS        prometheus.Counter
	InsertShredsElapsedUS      prometheus.Counter
	ShredRecoveryElapsedUS     prometheus.Counter
	ChainingElapsedUS          prometheus.Counter
	CommitWorkingSetsElapsedUS prometheus.Counter
	WriteBatchElapsedUS        prometheus.Counter
	TotalElapsedUS             prometheus.Counter
	IndexMetaTimeUS            prometheus.Counter
}

func newCounter(name string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Name: name})
}

// NewInserterMetrics builds and registers the inserter counters. A nil
// registerer falls back to the package Registry.
func NewInserterMetrics(reg prometheus.Registerer) *InserterMetrics {
	if reg == nil {
		reg = Registry
	}
	m := &InserterMetrics{
		NumShreds:                         newCounter("shred_inserter_num_shreds"),
		NumInserted:                       newCounter("shred_inserter_num_inserted"),
		NumRepair:                         newCounter("shred_inserter_num_repair"),
		NumRecovered:                      newCounter("shred_inserter_num_recovered"),
		NumRecoveredFailedSig:             newCounter("shred_inserter_num_recovered_failed_sig"),
		NumRecoveredFailedInvalid:         newCounter("shred_inserter_num_recovered_failed_invalid"),
		NumCodeShredsExists:               newCounter("shred_inserter_num_code_shreds_exists"),
		NumCodeShredsInvalid:              newCounter("shred_inserter_num_code_shreds_invalid"),
		NumCodeShredsInvalidErasureConfig: newCounter("shred_inserter_num_code_shreds_invalid_erasure_config"),
		NumDataShredsInvalid:              newCounter("shred_inserter_num_data_shreds_invalid"),

		InsertLockElapsedUS:        newCounter("insert_lock_elapsed_us"),
		InsertShredsElapsedUS:      newCounter("insert_shreds_elapsed_us"),
		ShredRecoveryElapsedUS:     newCounter("shred_recovery_elapsed_us"),
		ChainingElapsedUS:          newCounter("chaining_elapsed_us"),
		CommitWorkingSetsElapsedUS: newCounter("commit_working_sets_elapsed_us"),
		WriteBatchElapsedUS:        newCounter("write_batch_elapsed_us"),
		TotalElapsedUS:             newCounter("total_elapsed_us"),
		IndexMetaTimeUS:            newCounter("index_meta_time_us"),
	}
	reg.MustRegister(
		m.NumShreds, m.NumInserted, m.NumRepair,
		m.NumRecovered, m.NumRecoveredFailedSig, m.NumRecoveredFailedInvalid,
		m.NumCodeShredsExists, m.NumCodeShredsInvalid, m.NumCodeShredsInvalidErasureConfig,
		m.NumDataShredsInvalid,
		m.InsertLockElapsedUS, m.InsertShredsElapsedUS, m.ShredRecoveryElapsedUS,
		m.ChainingElapsedUS, m.CommitWorkingSetsElapsedUS, m.WriteBatchElapsedUS,
		m.TotalElapsedUS, m.IndexMetaTimeUS,
	)
	return m
}

// CounterValue reads the current value of a counter; test helper.
func CounterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
