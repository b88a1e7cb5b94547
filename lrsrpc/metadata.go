package lrsrpc

// Well-known metadata keys used in the lrs_rpc wire protocol.
// These appear as custom_metadata on Arrow IPC RecordBatch messages.
const (
	MetaCommand        = "lrs_rpc.command"
	MetaRequestVersion = "lrs_rpc.request_version"
	MetaRequestID      = "lrs_rpc.request_id"
	MetaLogLevel       = "lrs_rpc.log_level"
	MetaLogMessage     = "lrs_rpc.log_message"
	MetaLogExtra       = "lrs_rpc.log_extra"
	MetaServerID       = "lrs_rpc.server_id"

	ProtocolVersion = "1"
)
