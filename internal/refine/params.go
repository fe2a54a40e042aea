package refine

import "fmt"

// Param names one refined quantity. Normal equations are assembled and shifts
// applied in this order.
type Param int

const (
	ParamAStarX Param = iota
	ParamAStarY
	ParamAStarZ
	ParamBStarX
	ParamBStarY
	ParamBStarZ
	ParamCStarX
	ParamCStarY
	ParamCStarZ
	ParamDetX
	ParamDetY
	NumParams
)

var paramNames = [NumParams]string{
	"a*x", "a*y", "a*z",
	"b*x", "b*y", "b*z",
	"c*x", "c*y", "c*z",
	"detx", "dety",
}

func (p Param) String() string {
	if p < 0 || p >= NumParams {
		return fmt.Sprintf("param(%d)", int(p))
	}
	return paramNames[p]
}

// IsDetector reports whether p is a detector shift.
func (p Param) IsDetector() bool {
	return p == ParamDetX || p == ParamDetY
}

// Gradient holds one derivative per parameter.
type Gradient [NumParams]float64
