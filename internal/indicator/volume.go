package indicator

import "github.com/montanaflynn/stats"

// VolumeStats is the rolling mean and sample standard deviation of volume.
type VolumeStats struct {
	Mean  float64
	Std   float64
	Ready bool
}

// ComputeVolumeStats summarises the window. Ready is false until the window
// is full; a full window always yields finite values.
func ComputeVolumeStats(w *Window) VolumeStats {
	if !w.Full() {
		return VolumeStats{}
	}
	vals := w.Values()
	mean, err := stats.Mean(vals)
	if err != nil {
		return VolumeStats{}
	}
	var std float64
	if len(vals) > 1 {
		// Sample (n-1) deviation, the same estimator a rolling std uses.
		std, err = stats.StandardDeviationSample(vals)
		if err != nil {
			return VolumeStats{}
		}
	}
	return VolumeStats{Mean: mean, Std: std, Ready: true}
}

// Surge reports whether vol is a one-sided outlier: vol > mean + std.
// Always false when the stats are not ready.
func (v VolumeStats) Surge(vol float64) bool {
	return v.Ready && vol > v.Mean+v.Std
}
