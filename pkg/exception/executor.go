package exception

import "github.com/yanun0323/errors"

var ErrPairsNotInterchangeable = errors.New("executor: trading pairs are not interchangeable")
