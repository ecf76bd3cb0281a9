// Package version holds the build version, set at link time with
// -ldflags "-X github.com/hashicorp-forge/boardsync/internal/version.Version=...".
package version

var Version = "0.1.0-dev"
