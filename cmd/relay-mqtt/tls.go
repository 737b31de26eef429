package main

import (
	"crypto/tls"

	relay_app "github.com/parkwatch/relay/app"
)

func NewTLSConfig() *tls.Config {

	cert, err := tls.LoadX509KeyPair(
		app.CertificatePath+"/"+relay_app.SERVER_CERTIFICATE_FILENAME,
		app.CertificatePath+"/"+relay_app.SERVER_KEY_FILENAME)
	if err != nil {
		panic(err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
	}
}
