package lrsrpc

import "errors"

// Status classifies the outcome of one exchange session. Callers branch on
// this taxonomy instead of inspecting error strings.
type Status int

const (
	// StatusOK is a completed session with at least one persisted row group.
	StatusOK Status = iota
	// StatusEmpty is a completed session with zero data frames: not an
	// error, but no output file exists.
	StatusEmpty
	// StatusSchemaError is a batch or frame that violated its bound contract.
	StatusSchemaError
	// StatusTransportError is a channel failure mid-send or mid-drain.
	StatusTransportError
	// StatusConfigError is an invalid configuration, detected before any
	// session resource was created.
	StatusConfigError
	// StatusRemoteError is a failure reported by the compute service
	// through an error frame.
	StatusRemoteError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusEmpty:
		return "empty"
	case StatusSchemaError:
		return "schema_error"
	case StatusTransportError:
		return "transport_error"
	case StatusConfigError:
		return "config_error"
	case StatusRemoteError:
		return "remote_error"
	default:
		return "unknown"
	}
}

// statusFor maps a session error onto the status taxonomy.
func statusFor(err error) Status {
	var (
		cfgErr    *ConfigError
		schemaErr *SchemaError
		transErr  *TransportError
	)
	switch {
	case errors.As(err, &cfgErr):
		return StatusConfigError
	case errors.As(err, &schemaErr):
		return StatusSchemaError
	case errors.Is(err, ErrRpc):
		return StatusRemoteError
	default:
		_ = errors.As(err, &transErr)
		return StatusTransportError
	}
}

// Report summarizes one session attempt. It is populated even when the
// session fails, so partial progress is visible to the caller.
type Report struct {
	Status         Status
	Operation      string
	RequestID      string
	RowsSent       int64
	BatchesSent    int64
	RowsPersisted  int64
	DataFrames     int64
	MetadataFrames int64
	// OutputPath is the persisted file, empty when no data frame arrived.
	OutputPath string
	Timings    *Timings
	Stats      *TransferStats
}
