package model

import "errors"

// ErrRateLimited marks provider rejections caused by throttling. Adapters
// wrap 429-style failures with it so middleware can react to pressure without
// inspecting provider SDK error types.
var ErrRateLimited = errors.New("model: rate limited")
