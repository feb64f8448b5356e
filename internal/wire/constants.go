package wire

// ProtocolVersion is bumped on every wire-incompatible change. The guest
// rejects a Hello::Control handshake carrying a different version.
const ProtocolVersion uint32 = 1

// AgentPort is the vsock port the guest agent listens on.
const AgentPort uint32 = 1024

// StreamChunkSize is the size of each Upload/Download chunk frame.
const StreamChunkSize = 1 << 20 // 1 MiB

// MaxUploadBytes bounds any single FileWrite/CopyIn upload.
const MaxUploadBytes = 512 * 1024 * 1024 // 512 MiB

// MaxFrameBytes is the largest payload a single frame may carry. A header
// claiming more is a fatal framing error, rejected before the payload is
// read.
const MaxFrameBytes = 16 * 1024 * 1024 // 16 MiB
