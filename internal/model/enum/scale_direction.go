package enum

type ScaleDirection string

const (
	ScaleDirectionIn  ScaleDirection = "SCALE_IN"
	ScaleDirectionOut ScaleDirection = "SCALE_OUT"
)

func (d ScaleDirection) IsAvailable() bool {
	return d == ScaleDirectionIn || d == ScaleDirectionOut
}
