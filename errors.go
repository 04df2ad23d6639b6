package citadelcore

import "errors"

// Error kinds named in the error handling design. Callers use errors.Is
// against these sentinels; wrapped context is added with fmt.Errorf's %w.
var (
	ErrConfigurationInvalid = errors.New("citadelcore: configuration invalid")
	ErrTrustInstallFailed   = errors.New("citadelcore: trust install failed")
	ErrBindFailed           = errors.New("citadelcore: bind failed")
	ErrHandshakePeekFailed  = errors.New("citadelcore: handshake peek failed")
	ErrSniMissing           = errors.New("citadelcore: sni missing")
	ErrHandshakeFailed      = errors.New("citadelcore: handshake failed")
	ErrUpstreamSendFailed   = errors.New("citadelcore: upstream send failed")
	ErrUpstreamReadFailed   = errors.New("citadelcore: upstream read failed")
	ErrHeaderApplyFailed    = errors.New("citadelcore: header apply failed")
	ErrBufferLimitExceeded  = errors.New("citadelcore: buffer limit exceeded")
	ErrCancelled            = errors.New("citadelcore: cancelled")
)
