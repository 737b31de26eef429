package app

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

const (
	SERVER_CERTIFICATE_FILENAME = "server.crt"
	SERVER_KEY_FILENAME         = "server.key"
	SERVER_KEY_BITSIZE          = 2048
)

func savePemKey(key *rsa.PrivateKey, path string) error {
	keyOut, err := os.OpenFile(*app_certificate_path+"/"+path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	privBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return err
	}
	if err := pem.Encode(keyOut, &pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}); err != nil {
		return err
	}
	if err := keyOut.Close(); err != nil {
		return err
	}
	return nil
}

func savePemCertificate(cert []byte, path string) error {
	certOut, err := os.Create(*app_certificate_path + "/" + path)
	if err != nil {
		return err
	}
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: cert}); err != nil {
		return err
	}
	if err := certOut.Close(); err != nil {
		return err
	}
	return nil
}

func generateX509Certificate(privateKey *rsa.PrivateKey, days int) ([]byte, error) {
	keyUsage := x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
	notBefore := time.Now()
	notAfter := notBefore.AddDate(0, 0, days)
	hosts := []string{*app_certificate_common_name}

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		log.Fatalf("Failed to generate serial number: %v", err)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: hosts,
			CommonName:   hosts[0],
		},
		NotBefore: notBefore,
		NotAfter:  notAfter,

		KeyUsage: keyUsage,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth,
		},
		BasicConstraintsValid: true,
	}

	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	return x509.CreateCertificate(rand.Reader, &template, &template, privateKey.Public(), privateKey)
}

func generateKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, SERVER_KEY_BITSIZE)
}

func generateCertificates() error {
	if err := os.MkdirAll(*app_certificate_path, 0700); err != nil {
		return err
	}

	serverKey, err := generateKey()
	if err != nil {
		return err
	}

	serverCertificate, err := generateX509Certificate(serverKey, 3650)
	if err != nil {
		return err
	}

	if err := savePemKey(serverKey, SERVER_KEY_FILENAME); err != nil {
		return err
	}

	if err := savePemCertificate(serverCertificate, SERVER_CERTIFICATE_FILENAME); err != nil {
		return err
	}

	fmt.Printf("Certificates ready\n")

	return nil
}
