package pose

// Quality is a coarse grade of a transform's mean residual.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
	QualityUnknown   Quality = "unknown"
)

// Residual thresholds in metres.
const (
	ResidualExcellent = 0.003
	ResidualGood      = 0.008
	ResidualFair      = 0.02
)

// Grade assesses t by its residual. A nil transform or one without a
// residual is unknown.
func Grade(t *Transform) Quality {
	if t == nil || t.Residual <= 0 {
		return QualityUnknown
	}
	switch r := t.Residual; {
	case r < ResidualExcellent:
		return QualityExcellent
	case r < ResidualGood:
		return QualityGood
	case r < ResidualFair:
		return QualityFair
	default:
		return QualityPoor
	}
}
