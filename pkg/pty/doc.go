/*
Package pty runs interactive processes under pseudo-terminals and streams
their output.

A Manager owns the sessions of one coordinator connection. Every session has
four goroutines:

	           ┌──────────┐  in chan   ┌───────────┐
	Input ───▶ │ writeLoop│ ─────────▶ │           │
	           └──────────┘            │   ptmx    │◀── Resize (TIOCSWINSZ)
	           ┌──────────┐  out chan  │           │
	Emitter ◀─ │ forward  │ ◀───────── │ readLoop  │
	           └──────────┘            └───────────┘
	                 ▲                  ┌──────────┐
	                 └──── exited ───── │ waitLoop │
	                                    └──────────┘

Output is read in 4 KiB chunks. A chunk never ends inside a UTF-8 rune or an
ANSI escape sequence; the tail is carried into the next read. Both queues are
bounded, so a slow consumer stalls its own session and nothing else.

The Emitter sees, per session, one EventCreated, then EventOutput chunks, then
exactly one EventExited, whether the process exited by itself or was closed.

A session is listed as starting while its process is being spawned and as
running once the terminal is open. Input, resize and close are refused until
then. A session whose process fails to spawn is removed again.

Close sends SIGHUP and SIGTERM to the session's process group and escalates to
SIGKILL once the grace period passes. Processes killed by a signal report
128 plus the signal number. Exited sessions stay in the manager, and requests
for them fail with ErrSessionNotRunning.
*/
package pty
