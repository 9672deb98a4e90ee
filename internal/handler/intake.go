package handler

import (
	"github.com/szibis/telemetry-proxy/internal/entity"
	"github.com/szibis/telemetry-proxy/internal/preprocessor"
)

// PointIntake is the decoder-facing entry of a point pipeline: it runs
// the handle's preprocessor rules (the only legal mutator before the
// handler) and hands the result to the handler.
type PointIntake struct {
	pp *preprocessor.Preprocessor
	h  Handler[*entity.Point]
}

// NewPointIntake binds a preprocessor chain (nil for none) to a handler.
func NewPointIntake(pp *preprocessor.Preprocessor, h Handler[*entity.Point]) *PointIntake {
	return &PointIntake{pp: pp, h: h}
}

// Report preprocesses and admits one decoded point.
func (i *PointIntake) Report(p *entity.Point) {
	if i.pp != nil {
		i.pp.PreprocessPoint(p)
	}
	i.h.Report(p)
}
