/* usbshare - share physical USB devices over the network
 *
 * Connection-quality score: a pure function of a metrics snapshot
 */

package metrics

// QualityLabel names a quality score bucket
type QualityLabel string

// Quality labels
const (
	QualityExcellent QualityLabel = "Excellent"
	QualityGood      QualityLabel = "Good"
	QualityFair      QualityLabel = "Fair"
	QualityPoor      QualityLabel = "Poor"
	QualityCritical  QualityLabel = "Critical"
)

// QualityInput is the subset of a connection's metrics that feeds the
// quality score
type QualityInput struct {
	AvgLatencyMs float64
	LossRate     float64 // fraction in [0,1]
	RetryRate    float64 // fraction in [0,1]
}

// Score computes the 0-100 connection-quality score
func Score(in QualityInput) int {
	score := 100

	switch {
	case in.AvgLatencyMs > 100:
		score -= 30
	case in.AvgLatencyMs > 50:
		score -= 20
	case in.AvgLatencyMs > 20:
		score -= 10
	}

	switch {
	case in.LossRate > 0.10:
		score -= 30
	case in.LossRate > 0.05:
		score -= 20
	case in.LossRate > 0.01:
		score -= 10
	}

	switch {
	case in.RetryRate > 0.30:
		score -= 20
	case in.RetryRate > 0.10:
		score -= 10
	}

	if score < 0 {
		score = 0
	}

	return score
}

// Label maps a 0-100 score to its named bucket
func Label(score int) QualityLabel {
	switch {
	case score >= 90:
		return QualityExcellent
	case score >= 70:
		return QualityGood
	case score >= 50:
		return QualityFair
	case score >= 30:
		return QualityPoor
	default:
		return QualityCritical
	}
}
