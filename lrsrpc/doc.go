// Package lrsrpc implements the Go client driver for the bm-lrs exchange
// protocol, an Apache Arrow IPC-based bulk data exchange with the LRS
// compute service.
//
// One [ExchangeSession] performs one logical job over one bidirectional
// channel. The client writes a request stream carrying an opaque command
// token (see [Descriptor]), streams the source dataset as record batches
// conforming to a fixed [SchemaContract], half-closes its direction, and
// then drains the result stream, persisting every received data frame to
// a parquet sink whose schema is bound from the first frame.
//
// # Wire format
//
// Every message is an Arrow IPC stream on the shared channel:
//
//   - request stream: one zero-row batch whose custom metadata carries
//     lrs_rpc.command (the JSON command token), lrs_rpc.request_version,
//     and lrs_rpc.request_id;
//   - input stream: the upload Schema Contract followed by data batches,
//     ended by the IPC end-of-stream marker (the half-close);
//   - output stream: data batches interleaved with zero-row metadata
//     batches. A metadata batch carries lrs_rpc.log_level and
//     lrs_rpc.log_message; EXCEPTION level marks a remote error frame.
//
// Within one direction batches preserve order. No ordering is guaranteed
// across directions beyond begin-before-send and half-close-before-EOS.
//
// # Failure model
//
// Errors are classified into configuration errors ([ConfigError]),
// schema violations ([SchemaError]), transport failures
// ([TransportError]) and remote errors ([RpcError]). Rows persisted
// before a mid-drain failure are retained; [Report] records how far the
// session got.
package lrsrpc
