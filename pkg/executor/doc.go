// Package executor runs one-shot shell commands for execute requests and
// collects the files they leave in the output directory. Text artifacts are
// returned as-is and anything containing NUL bytes or invalid UTF-8 is
// base64-encoded. Commands are never timed out.
package executor
