// Package protocol implements the JSON media-stream frame codec.
// It parses inbound connected/start/media/stop/mark frames into typed values
// and builds the outbound media and mark frames sent back to a call leg.
package protocol
