package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ayusman/handwave/internal/assets"
	"github.com/ayusman/handwave/internal/classifier"
)

type fixedScores []float32

func (m fixedScores) Predict([]float32) ([]float32, error) { return m, nil }
func (m fixedScores) Close() error                         { return nil }

func writeLabels(t *testing.T, dir string, labels ...string) {
	t.Helper()
	body, err := json.Marshal(labels)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "labels.json"), body, 0644))
}

// newFixedClassifier returns a classifier whose model always scores
// scores. labels nil leaves labels.json missing so the load fails.
func newFixedClassifier(t *testing.T, dir string, labels []string, scores []float32) *classifier.Classifier {
	t.Helper()
	if labels != nil {
		writeLabels(t, dir, labels...)
	}
	f, err := assets.NewFetcher(assets.Options{BaseURL: dir})
	require.NoError(t, err)
	return classifier.NewWithLoader(f,
		classifier.Options{ModelURL: "model.json", LabelsURL: "labels.json"},
		func(context.Context, *assets.Fetcher, string) (classifier.Model, error) {
			return fixedScores(scores), nil
		})
}
