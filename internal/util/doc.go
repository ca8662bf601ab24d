// Package util provides small helpers shared across the gallery OAuth packages:
// log-safe truncation, URL normalization and IP classification for redirect
// URI hosts.
package util
