// Package mcp exposes synthd to MCP clients over stdio.
//
// Tools read runs, open gaps, claim history, conflicts and directives, and
// let a reviewer record a human grade or retire a directive. Publication
// text is scrubbed for secrets before it leaves the server.
package mcp
