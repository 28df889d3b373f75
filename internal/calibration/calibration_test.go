package calibration_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ensemblehub/ensemblehub/internal/calibration"
)

func TestCalibrate_IdentityBeforeEnoughHistory(t *testing.T) {
	c := calibration.NewCalibrator()
	c.Observe("m1", 0.9, true)
	assert.Equal(t, 0.8, c.Calibrate("m1", 0.8))
}

func TestCalibrate_LearnsOverconfidence(t *testing.T) {
	c := calibration.NewCalibrator()
	// Model reports 0.9 confidence but is only right half the time.
	for i := 0; i < 20; i++ {
		c.Observe("overconfident", 0.9, i%2 == 0)
	}
	got := c.Calibrate("overconfident", 0.9)
	assert.Less(t, got, 0.9, "calibrated confidence should be pulled down from the raw self-report")
}

func TestCalibrate_ClampsToUnitInterval(t *testing.T) {
	c := calibration.NewCalibrator()
	for i := 0; i < 20; i++ {
		c.Observe("m1", 0.1, true) // always succeeds despite low reported confidence
	}
	got := c.Calibrate("m1", 1.5) // out-of-range raw input
	assert.GreaterOrEqual(t, got, 0.0)
	assert.LessOrEqual(t, got, 1.0)
}

func TestSemanticConfidence_WeightsSum(t *testing.T) {
	got := calibration.SemanticConfidence(1, 1, 0)
	assert.InDelta(t, 1.0, got, 0.001)
}

func TestSemanticConfidence_SlowLatencyLowersScore(t *testing.T) {
	fast := calibration.SemanticConfidence(0.8, 0.8, 100)
	slow := calibration.SemanticConfidence(0.8, 0.8, 9000)
	assert.Greater(t, fast, slow)
}
