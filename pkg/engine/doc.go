// Package engine provides the shared types, errors and collaborator
// interfaces of the dodos image builder.
//
// # Overview
//
// A build turns a package repository, a build configuration and a target
// directory into a bootable root filesystem. The pipeline runs in stages:
//
//  1. Index - load package metadata from a PackageSource (pkg/index)
//  2. Resolve - compute a consistent, cycle-free Plan (pkg/resolver)
//  3. Policy - gate the Plan before any download (pkg/policy)
//  4. Fetch - download and verify artifacts in parallel (pkg/cache)
//  5. Plan - turn artifacts into a file Transaction (pkg/transaction)
//  6. Stage, Verify, Promote - apply it atomically (pkg/assembler)
//  7. Configure - write system settings (pkg/sysconfig)
//  8. Bootloader - hand the target to a BootloaderInstaller
//
// pkg/build wires the stages together.
//
// # Core Domain Types
//
//   - PackageID: a name and a version, comparable
//   - Package: an indexed package with its relations and artifact
//   - Plan: ordered packages plus dependency edges
//   - Artifact: a verified archive in the cache
//   - Build and Event: persisted history
//
// # Error Classification
//
// Every error type in this package carries an ErrorClass used by retry
// logic:
//
//   - Transient: temporary failures that may succeed on retry
//   - Throttled: rate limiting that requires backoff
//   - Conflict: ownership conflicts between packages
//   - Permanent: non-recoverable errors
//
// Example:
//
//	if engine.IsRetryable(err) {
//	    // retry with backoff
//	}
//
// StatusFor maps a pipeline error to the BuildStatus it produces, and
// BuildStatus.ExitCode to a process exit code.
package engine
