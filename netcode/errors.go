package netcode

import "errors"

// ErrOutOfMemory is the other connection-fatal kind named in spec.md
// §7 alongside MessageDesync. This implementation's queues are all
// fixed-capacity at construction, so it never comes from an allocator
// failure; ReadPacket latches it when an incoming fragment's declared
// count would make the reassembly buffer exceed Config.MaxBlockSize,
// rejecting the allocation before block.Channel ever makes it.
var ErrOutOfMemory = errors.New("netcode: connection exceeded its fixed memory budget")
