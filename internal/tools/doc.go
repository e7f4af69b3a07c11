// Package tools provides host command execution for recovery actions.
//
// Ownership boundary:
// - running an external command with a deadline and capturing its output
//
// - splitting configured command lines into argv
package tools
