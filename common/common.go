// Package common holds identifiers shared across the daphne binaries.
package common

// PackageName names this module in logs and metrics.
const PackageName = "daphne"

// Version is the build version, overridden at link time with
//
//	-ldflags "-X github.com/thibmeu/daphne/common.Version=v0.9.1"
var Version = "dev"
