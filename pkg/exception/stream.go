package exception

import "github.com/yanun0323/errors"

var (
	ErrStreamAuthFailed          = errors.New("stream: authentication rejected")
	ErrStreamAlreadyRunning      = errors.New("stream: session already running")
	ErrStreamReconnectsExhausted = errors.New("stream: reconnect attempts exhausted")
)
