package isic2018

import (
	"encoding/json"
	"os"
	"path"
	"strings"
	"time"

	stdplots "github.com/gomlx/gomlx/ui/plots"
	"github.com/pkg/errors"
)

// TrainLogFileName is the per-epoch JSON-lines log written next to the
// checkpoint.
const TrainLogFileName = "train.log"

// EpochEvent is one epoch's record in the training log.
type EpochEvent struct {
	Time           time.Time          `json:"time"`
	Epoch          int                `json:"epoch"`
	GlobalStep     int64              `json:"global_step"`
	LearningRate   float64            `json:"learning_rate"`
	ElapsedSeconds float64            `json:"elapsed_seconds"`
	Train          map[string]float64 `json:"train"`
	Valid          map[string]float64 `json:"valid"`
}

// EventWriter appends one EpochEvent per epoch to the train.log file of the
// checkpoint directory, and mirrors the scalar metrics as plot points in the
// stdplots format, so plotting tools can consume the run offline.
//
// Writes are fire and forget: the trainer never takes a decision based on
// their success. Errors are reported on Close.
type EventWriter struct {
	dir         string
	logFile     *os.File
	encoder     *json.Encoder
	points      chan<- stdplots.Point
	pointsErr   <-chan error
	firstLogErr error
}

// NewEventWriter creates the writer, appending to existing files so resumed
// runs keep their history.
func NewEventWriter(checkpointDir string) (*EventWriter, error) {
	logFile, err := os.OpenFile(path.Join(checkpointDir, TrainLogFileName),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q for append", TrainLogFileName)
	}
	points, pointsErr := stdplots.CreatePointsWriter(
		path.Join(checkpointDir, stdplots.TrainingPlotFileName))
	return &EventWriter{
		dir:       checkpointDir,
		logFile:   logFile,
		encoder:   json.NewEncoder(logFile),
		points:    points,
		pointsErr: pointsErr,
	}, nil
}

// metricType groups metric names for plotting.
func metricType(name string) string {
	switch {
	case strings.Contains(name, "loss"):
		return "loss"
	case strings.Contains(name, "jaccard"):
		return "jaccard"
	default:
		return "score"
	}
}

// WriteEpoch appends the event to train.log and emits one plot point per
// metric.
func (w *EventWriter) WriteEpoch(event EpochEvent) {
	if err := w.encoder.Encode(event); err != nil && w.firstLogErr == nil {
		w.firstLogErr = errors.Wrapf(err, "failed to append to %q", TrainLogFileName)
	}
	for prefix, metrics := range map[string]map[string]float64{"train": event.Train, "valid": event.Valid} {
		for name, value := range metrics {
			w.points <- stdplots.Point{
				MetricName: prefix + "/" + name,
				Short:      name,
				MetricType: metricType(name),
				Step:       float64(event.GlobalStep),
				Value:      value,
			}
		}
	}
}

// WriteSnapshot saves the last-batch rendering next to train.log, overwriting
// the previous epoch's. Fire and forget like WriteEpoch.
func (w *EventWriter) WriteSnapshot(snapshot *EpochSnapshot, attrs []string) {
	if err := snapshot.Write(w.dir, attrs); err != nil && w.firstLogErr == nil {
		w.firstLogErr = err
	}
}

// Close flushes and closes both files, returning the first error seen.
func (w *EventWriter) Close() error {
	close(w.points)
	pointsErr := <-w.pointsErr
	if err := w.logFile.Close(); err != nil && w.firstLogErr == nil {
		w.firstLogErr = errors.Wrap(err, "failed to close train.log")
	}
	if w.firstLogErr != nil {
		return w.firstLogErr
	}
	return pointsErr
}
