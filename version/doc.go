// Package version reports the runkit build: values stamped with -ldflags
// and the VCS settings the Go toolchain embeds.
//
//	go build -ldflags "-X github.com/kbukum/runkit/version.Version=1.4.0" ./cmd/runkit
package version
