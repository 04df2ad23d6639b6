package citadelcore

// FirewallDisposition is the host's verdict on whether a process may reach
// the network at all, returned from Diverter.ConfirmDenyFirewallAccess.
type FirewallDisposition uint8

const (
	DontFilterApplication FirewallDisposition = iota
	FilterApplication
	BlockInternetForApplication
)

// FirewallRequest describes the process that owns a newly observed
// connection, as reported by the packet Diverter.
type FirewallRequest struct {
	// BinaryPath is the originating process's absolute path, or the
	// literal "SYSTEM" when the kernel itself owns the flow.
	BinaryPath string
	ProcessID  int
	LocalPort  int
	RemotePort int
}

// FirewallResponse is the host's disposition for a FirewallRequest.
type FirewallResponse struct {
	Disposition FirewallDisposition

	// EncryptedHint, when non-nil, tells the transaction handler whether
	// to expect TLS on a non-standard port instead of relying solely on
	// ClientHello sniffing.
	EncryptedHint *bool
}

// Diverter is the external packet-diversion component the core depends on
// to receive already-addressed connections for ports it does not itself
// bind. CitadelCore never implements packet interception; it only
// consumes one.
type Diverter interface {
	// ConfirmDenyFirewallAccess asks the host whether the given process
	// may reach the network.
	ConfirmDenyFirewallAccess(req FirewallRequest) FirewallResponse

	// Start begins diverting traffic to the proxy. numThreads <= 0 means
	// one worker per logical CPU core.
	Start(numThreads int) error

	// Stop halts diversion. Idempotent.
	Stop()

	// DropExternalProxies reports whether the diverter should refuse
	// connections that are already flowing through another proxy.
	DropExternalProxies() bool
}

// TrustStore is the OS-level hook for installing and removing the minted
// CA's DER-encoded certificate from the current user's or machine's trust
// store. Implementations must be idempotent: installing twice or removing
// an absent certificate is not an error.
type TrustStore interface {
	Install(der []byte) error
	Remove(der []byte) error
}

// NopTrustStore is a TrustStore that does nothing, for embedders that
// manage OS trust out of band (e.g. tests, or a host that pins the CA
// fingerprint at the client instead of installing it system-wide).
type NopTrustStore struct{}

func (NopTrustStore) Install(der []byte) error { return nil }
func (NopTrustStore) Remove(der []byte) error  { return nil }
