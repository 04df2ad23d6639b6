package citadelcore

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"os/exec"
	"runtime"
)

// OSTrustStore is a best-effort TrustStore that shells out to the current
// platform's certificate-store tool: certutil on Windows, security on
// macOS, update-ca-certificates on Linux. It is a reference implementation,
// not a hardened one — a real deployment is expected to replace it with
// whatever its OS-packaging or MDM story already uses to distribute trust
// anchors.
type OSTrustStore struct{}

func (OSTrustStore) Install(der []byte) error {
	path, cleanup, err := writeTempPEM(der)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTrustInstallFailed, err)
	}
	defer cleanup()

	var installErr error
	switch runtime.GOOS {
	case "windows":
		installErr = runTrustCmd("certutil", "-addstore", "-user", "Root", path)
	case "darwin":
		installErr = runTrustCmd("security", "add-trusted-cert", "-d", "-r", "trustRoot",
			"-k", defaultMacKeychain, path)
	case "linux":
		installErr = installLinuxCA(der)
	default:
		installErr = fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}
	if installErr != nil {
		return fmt.Errorf("%w: %v", ErrTrustInstallFailed, installErr)
	}
	return nil
}

func (OSTrustStore) Remove(der []byte) error {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("%w: parse certificate to remove: %v", ErrTrustInstallFailed, err)
	}
	cn := cert.Subject.CommonName

	var removeErr error
	switch runtime.GOOS {
	case "windows":
		removeErr = runTrustCmd("certutil", "-delstore", "-user", "Root", cn)
	case "darwin":
		removeErr = runTrustCmd("security", "delete-certificate", "-c", cn, defaultMacKeychain)
	case "linux":
		removeErr = os.Remove(linuxCAPath(cn))
		if os.IsNotExist(removeErr) {
			removeErr = nil
		} else if removeErr == nil {
			removeErr = runTrustCmd("update-ca-certificates")
		}
	default:
		removeErr = fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}
	// Removing a certificate that was never installed (or already removed)
	// is not an error, per the TrustStore contract; OS tools report this in
	// non-uniform ways, so any failure here is discarded rather than
	// propagated.
	_ = removeErr
	return nil
}

const defaultMacKeychain = "/Library/Keychains/System.keychain"

func linuxCAPath(cn string) string {
	name := cn
	if name == "" {
		name = "citadelcore-ca"
	}
	return fmt.Sprintf("/usr/local/share/ca-certificates/%s.crt", name)
}

func installLinuxCA(der []byte) error {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return err
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(linuxCAPath(cert.Subject.CommonName), pemBytes, 0o644); err != nil {
		return err
	}
	return runTrustCmd("update-ca-certificates")
}

func writeTempPEM(der []byte) (path string, cleanup func(), err error) {
	f, err := os.CreateTemp("", "citadelcore-ca-*.pem")
	if err != nil {
		return "", nil, err
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		os.Remove(f.Name())
		return "", nil, err
	}
	return f.Name(), func() { os.Remove(f.Name()) }, nil
}

func runTrustCmd(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %v: %s", name, err, output)
	}
	return nil
}
