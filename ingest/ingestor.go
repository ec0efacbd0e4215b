package ingest

import (
	"log/slog"

	"github.com/nickman/tsdblite/errors"
	"github.com/nickman/tsdblite/metric"
)

// Ingestor resolves decoded submissions through the metric cache and
// submits the resulting traces. Both wire decoders converge here.
type Ingestor struct {
	cache  *metric.Cache
	logger *slog.Logger
}

// NewIngestor creates an ingestor over the cache.
func NewIngestor(cache *metric.Cache, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		cache:  cache,
		logger: logger.With("component", "ingest"),
	}
}

// Apply resolves one submission to its cache entry and submits the trace.
func (in *Ingestor) Apply(sub *Submission) error {
	entry, err := in.cache.GetOrCreate(sub.Metric, sub.Tags)
	if err != nil {
		return errors.Wrap(err, "Ingestor", "Apply", "resolving identity")
	}

	var tr *metric.Trace
	if sub.IsDouble {
		tr = metric.NewDoubleTrace(entry.Metric(), sub.DoubleValue, sub.Timestamp)
	} else {
		tr = metric.NewLongTrace(entry.Metric(), sub.LongValue, sub.Timestamp)
	}

	if err := in.cache.Submit(tr); err != nil {
		return errors.Wrap(err, "Ingestor", "Apply", "submitting trace")
	}
	return nil
}

// IngestLine decodes and applies one plaintext submission line.
func (in *Ingestor) IngestLine(line string) error {
	sub, err := DecodeLine(line)
	if err != nil {
		return err
	}
	return in.Apply(sub)
}

// IngestJSON decodes and applies a JSON payload (object or array). It
// returns the number of submissions applied. Any decode or resolution
// failure rejects the whole payload.
func (in *Ingestor) IngestJSON(data []byte) (int, error) {
	subs, err := DecodeJSON(data)
	if err != nil {
		return 0, err
	}
	for i, sub := range subs {
		if err := in.Apply(sub); err != nil {
			return i, err
		}
	}
	return len(subs), nil
}
