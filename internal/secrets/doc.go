// Package secrets redacts credentials from text before it leaves the
// process.
//
// Detection uses the gitleaks default rule set. A TOML allowlist can
// exempt content patterns, for example sample keys quoted in papers.
package secrets
