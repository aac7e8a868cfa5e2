package isic2018

// Validate runs the evaluation step over the whole dataset and returns the
// metrics in the same schema as the training metrics. The model runs in
// inference mode; no variable is updated.
func (t *Trainer) Validate(ds *Dataset, weights LossWeights) (map[string]float64, error) {
	meter := NewMeter(t.attrs)
	if _, err := t.runEpochOver(t.evalStep, ds, weights, meter, "validation"); err != nil {
		return nil, err
	}
	return meter.Value(), nil
}
