// Package security provides validation, sanitization, and limits for docpipe.
//
// This package includes:
//   - Input validation for job types and stage names
//   - Error message sanitization to prevent sensitive data leakage
//   - Clamping functions to enforce safe limits on attempts, concurrency and weights
//   - Security-related constants defining maximum sizes and counts
//
// Most users should import the root package github.com/jdziat/docpipe
// which re-exports these functions.
package security
