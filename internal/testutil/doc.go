// Package testutil provides fixtures, a controllable clock and the storage
// conformance suite that every storage backend runs in its own tests.
package testutil
