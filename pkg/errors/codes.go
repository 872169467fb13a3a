package errors

// ErrorCodeInfo contains metadata about an error code.
type ErrorCodeInfo struct {
	Code        ErrorCode
	Description string
	// LegLocal is true when the failure only affects the call leg that raised it.
	LegLocal bool
}

// ErrorCodeRegistry maps error codes to their metadata.
var ErrorCodeRegistry = map[ErrorCode]ErrorCodeInfo{
	CodeAuthentication: {
		Code:        CodeAuthentication,
		Description: "Platform rejected the application credentials",
	},
	CodeConnection: {
		Code:        CodeConnection,
		Description: "Connection to the platform or remote endpoint failed",
		LegLocal:    true,
	},
	CodeOperation: {
		Code:        CodeOperation,
		Description: "Platform operation was not valid for the current call or conversation state",
		LegLocal:    true,
	},
	CodeRealTime: {
		Code:        CodeRealTime,
		Description: "Generic real-time communications failure",
		LegLocal:    true,
	},
	CodeTimeout: {
		Code:        CodeTimeout,
		Description: "Platform operation did not complete in time",
		LegLocal:    true,
	},
	CodeCancelled: {
		Code:        CodeCancelled,
		Description: "Wait for the platform operation was cancelled",
		LegLocal:    true,
	},
}

// GetDescription returns the human-readable description for the given error code.
func GetDescription(code ErrorCode) string {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.Description
	}
	return "Unknown error"
}

// IsLegLocal reports whether a failure with this code is confined to one call leg.
func IsLegLocal(code ErrorCode) bool {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.LegLocal
	}
	return false
}
