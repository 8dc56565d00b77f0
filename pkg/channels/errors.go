package channels

import "errors"

// ErrNoChannel means no sender is registered under the requested name.
var ErrNoChannel = errors.New("channels: no such channel registered")
