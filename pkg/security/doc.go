/*
Package security loads the TLS client credentials node.RemoteNode uses to
authenticate to another sandboxd instance's HTTP surface.

Certificate issuance itself is out of scope: operators provision node and CA
certificates with whatever PKI tooling they already run (openssl, step-ca,
an internal CA) and point each sandboxd instance at a directory holding
node.crt, node.key, and ca.crt. This package only knows how to read and
write that directory layout and judge whether a loaded certificate still
has useful life left.

# Usage

	certDir, _ := security.GetCertDir("remote", "sandbox-2")
	cert, err := security.LoadCertFromFile(certDir)
	caCert, err := security.LoadCACertFromFile(certDir)

	if security.CertNeedsRotation(cert.Leaf) {
		// fetch a freshly issued certificate out of band, then:
		security.SaveCertToFile(newCert, certDir)
	}
*/
package security
