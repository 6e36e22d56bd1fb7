// Package testutil provides test fixtures and a mock clock shared by the
// storage, token, and server tests.
package testutil
