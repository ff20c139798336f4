package exception

import "github.com/yanun0323/errors"

var (
	ErrDuplicatePosition = errors.New("position: open position already exists")
	ErrPositionNotFound  = errors.New("position: not found or not open")
	ErrScaleNotFound     = errors.New("scale: scaled position not found")
	ErrLegNotFound       = errors.New("scale: leg not found")
	ErrLegNotPending     = errors.New("scale: leg is not pending")
)
