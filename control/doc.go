// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, logging, metrics and debug introspection for contextshare
// programs.
//
// Provides:
//   - Config loading from defaults, a YAML file and CONTEXTSHARE_* variables
//   - hclog logger construction from the log section
//   - Prometheus metrics for sessions, rounds and segments
//   - Named debug probes for state dumps
//
// The session package only depends on Metrics; everything else is for
// binaries such as cmd/contextshare.
package control
