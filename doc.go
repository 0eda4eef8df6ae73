// Package ftp implements the control and data connection engine of an FTP
// client (RFC 959) with the common extensions needed by real-world
// servers: EPSV/EPRT (RFC 2428), PRET, REST-based resume, feature
// negotiation (RFC 2389), AUTH TLS/PBSZ/PROT (RFC 4217), and MLSD/MLST
// (RFC 3659).
//
// # Overview
//
// This package provides:
//   - Plain FTP connections
//   - Explicit TLS (FTPS with AUTH TLS) and implicit TLS (port 990)
//   - Automatic EPSV→PASV and EPRT→PORT fallback
//   - Resumable downloads and uploads that reconnect mid-stream
//   - Progress tracking via a per-transfer callback (TransferOptions.Progress)
//   - Bandwidth-limited transfers
//   - Server-family hooks (ServerHandler) for quirky implementations
//
// # Basic Usage
//
//	client, err := ftp.Dial(ctx, "ftp.example.com:21")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Quit(ctx)
//
//	if err := client.Login(ctx, "username", "password"); err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := client.Retrieve(ctx, "remote.txt", file, nil); err != nil {
//	    log.Fatal(err)
//	}
//
// # TLS Support
//
// Explicit TLS upgrades a plaintext port-21 connection with AUTH TLS:
//
//	client, err := ftp.Dial(ctx, "ftp.example.com:21",
//	    ftp.WithExplicitTLS(&tls.Config{ServerName: "ftp.example.com"}),
//	)
//
// Implicit TLS connects directly with TLS, typically on port 990:
//
//	client, err := ftp.Dial(ctx, "ftp.example.com:990",
//	    ftp.WithImplicitTLS(&tls.Config{ServerName: "ftp.example.com"}),
//	)
//
// Data channel encryption (PBSZ 0 + PROT P) is negotiated automatically
// as part of the explicit TLS upgrade, unless WithoutDataProtection is
// set. Implicit TLS does not negotiate it, so data channels on an
// implicit-TLS connection are not encrypted.
//
// # Resumable Transfers
//
// Retrieve and Store automatically reconnect the data channel and reissue
// REST on a resumable transport fault. Disable with WithoutResume, or
// tune the retry budget with WithResumePolicy.
//
// # Error Handling
//
// Errors returned by this package are one of the typed kinds in errors.go
// (ArgumentError, StateError, CommandError, TransportError, ParseError,
// CanceledError, TimeoutError). Use errors.As to inspect them.
package ftp
