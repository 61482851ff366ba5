// Package sftpclient transfers files to and from a single SFTP server.
//
// This package provides:
//   - Read, list, upload, download and remove operations relative to a remote root
//   - Password or private key authentication, with SSH agent fallback
//   - Automatic creation of missing remote directories on upload
//   - A fresh session per operation, always torn down before returning
//
// # Basic Usage
//
// Create a client and upload a file:
//
//	config := sftpclient.Config{
//		Host:       "example.com",
//		User:       "deploy",
//		Root:       "/home/deploy",
//		Credential: sftpclient.PrivateKey{Path: "~/.ssh/id_ed25519"},
//	}
//
//	client, err := sftpclient.NewClient(config)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.UploadFile(ctx, "reports/2024/summary.csv", "/local/summary.csv")
//
// # Errors
//
// Every failed operation returns an error wrapping one of the Err* categories:
//
//	if _, err := client.Read(ctx, "missing.txt"); errors.Is(err, sftpclient.ErrRemotePathNotFound) {
//		// ...
//	}
//
// # Settings
//
// Settings loads the flat option surface from sftpclient.yaml and SFTPCLIENT_*
// environment variables:
//
//	settings, err := sftpclient.LoadSettings()
//	if err != nil {
//		log.Fatal(err)
//	}
//	client, err := sftpclient.NewClient(settings.Config())
package sftpclient
