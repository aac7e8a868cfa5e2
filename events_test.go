package isic2018

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	stdplots "github.com/gomlx/gomlx/ui/plots"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventWriter(t *testing.T) {
	dir := t.TempDir()
	w, err := NewEventWriter(dir)
	require.NoError(t, err)

	w.WriteEpoch(EpochEvent{
		Time:         time.Now(),
		Epoch:        1,
		GlobalStep:   100,
		LearningRate: 0.001,
		Train:        map[string]float64{"loss": 0.5, "jaccard": 0.2},
		Valid:        map[string]float64{"loss": 0.6, "jaccard": 0.1},
	})
	w.WriteEpoch(EpochEvent{
		Epoch:      2,
		GlobalStep: 200,
		Train:      map[string]float64{"loss": 0.4},
		Valid:      map[string]float64{"loss": 0.5},
	})
	require.NoError(t, w.Close())

	logFile, err := os.Open(filepath.Join(dir, TrainLogFileName))
	require.NoError(t, err)
	defer func() { _ = logFile.Close() }()
	var events []EpochEvent
	scanner := bufio.NewScanner(logFile)
	for scanner.Scan() {
		var event EpochEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &event))
		events = append(events, event)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].Epoch)
	assert.Equal(t, int64(100), events[0].GlobalStep)
	assert.Equal(t, 0.5, events[0].Train["loss"])
	assert.Equal(t, 0.1, events[0].Valid["jaccard"])
	assert.Equal(t, 2, events[1].Epoch)

	// Plot points were mirrored to the standard plot file.
	_, err = os.Stat(filepath.Join(dir, stdplots.TrainingPlotFileName))
	assert.NoError(t, err)
}

func TestEventWriterAppends(t *testing.T) {
	dir := t.TempDir()
	for run := 1; run <= 2; run++ {
		w, err := NewEventWriter(dir)
		require.NoError(t, err)
		w.WriteEpoch(EpochEvent{Epoch: run})
		require.NoError(t, w.Close())
	}

	contents, err := os.ReadFile(filepath.Join(dir, TrainLogFileName))
	require.NoError(t, err)
	lines := 0
	for _, b := range contents {
		if b == '\n' {
			lines++
		}
	}
	assert.Equal(t, 2, lines)
}

func TestMetricType(t *testing.T) {
	assert.Equal(t, "loss", metricType("mask_loss"))
	assert.Equal(t, "jaccard", metricType("jaccard_globules"))
	assert.Equal(t, "score", metricType("indicator1_f1"))
}
