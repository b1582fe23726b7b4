package exception

import "github.com/yanun0323/errors"

var (
	ErrOrderDuplicateLocalID = errors.New("order: local id already registered")
	ErrOrderUnknown          = errors.New("order: order not found")
	ErrOrderInvalidRequest   = errors.New("order: invalid request")
)
