package quant

import (
	"fmt"

	"github.com/23skdu/longbow-kvcache/internal/logger"
	"github.com/23skdu/longbow-kvcache/internal/metrics"
)

// auditSlack absorbs float32 rounding in the reconstruction multiply,
// relative to the magnitude of the original value.
const auditSlack = 1e-6

// AuditResult summarizes reconstruction accuracy of one quantized tensor.
type AuditResult struct {
	Elements    int
	Scale       float32
	MaxAbsError float32
	// MaxRelToScale is the worst unclamped error divided by Scale. It never
	// exceeds 0.5 for a correct codec.
	MaxRelToScale float32
	Clamped       int
	// Violations counts elements outside their bound: scale/2 when unclamped,
	// |x|-7*scale+scale/2 when clamped.
	Violations int
	Passed     bool
}

func (r AuditResult) String() string {
	return fmt.Sprintf("elements=%d scale=%.6g max_abs_err=%.6g rel=%.3f clamped=%d violations=%d passed=%t",
		r.Elements, r.Scale, r.MaxAbsError, r.MaxRelToScale, r.Clamped, r.Violations, r.Passed)
}

// Audit dequantizes q and checks every element of orig against its error bound.
func Audit(orig []float32, q *QuantizedTensor) (AuditResult, error) {
	if q == nil || len(orig) == 0 {
		return AuditResult{}, fmt.Errorf("%w: nothing to audit", ErrInvalidInput)
	}
	if q.Count != len(orig) {
		return AuditResult{}, fmt.Errorf("%w: audit of %d originals against %d codes", ErrInvalidInput, len(orig), q.Count)
	}
	restored := make([]float32, len(orig))
	if err := DequantizeInto(restored, q.Data, q.Scale); err != nil {
		return AuditResult{}, err
	}

	res := AuditResult{Elements: len(orig), Scale: q.Scale}
	half := q.Scale / 2
	limit := q.Scale * MaxCode
	for i, x := range orig {
		diff := abs32(x - restored[i])
		if diff > res.MaxAbsError {
			res.MaxAbsError = diff
		}
		slack := auditSlack * (1 + abs32(x))
		bound := half
		if abs32(x) > limit+slack {
			res.Clamped++
			bound = abs32(x) - limit + half
		} else if q.Scale > 0 && diff/q.Scale > res.MaxRelToScale {
			res.MaxRelToScale = diff / q.Scale
		}
		if diff > bound+slack {
			res.Violations++
		}
	}
	res.Passed = res.Violations == 0

	metrics.RecordDequantizationAudit(res.MaxAbsError, res.MaxRelToScale, res.Passed)
	if !res.Passed {
		logger.Log.Warn("Quantization audit failed", "result", res.String())
	} else {
		logger.Log.Debug("Quantization audit passed", "elements", res.Elements, "max_abs_err", res.MaxAbsError)
	}
	return res, nil
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
