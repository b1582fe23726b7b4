package exception

import "github.com/yanun0323/errors"

var (
	ErrUnknownLimitPool = errors.New("throttle: unknown rate limit pool")
	ErrInvalidLimitPool = errors.New("throttle: invalid rate limit pool definition")
)
