// Package util provides small helpers shared by the bridge packages.
//
// Key utilities:
//   - SafeTruncate: shortens secrets before they reach a log line
//   - NormalizeURL: trims trailing slashes for issuer and endpoint comparison
//   - AppendQuery: adds parameters to a redirect target without dropping existing ones
package util
