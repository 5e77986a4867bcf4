/*
Package dispatcher routes the frames of one verified connection to the
command, PTY, proxy and query handlers.

	           Receive (one frame at a time)
	                     │
	                  Peek type
	   ┌──────────┬──────┴───────┬─────────────┬─────────────┐
	execute    attach_pty     pty_close     proxy_http    query_local
	(goroutine) pty_input     (goroutine)   (goroutine)   (goroutine)
	            pty_resize
	            (inline)

Inline handlers only queue work or touch the session registry, so the
receive loop never waits on a process, a service or the store. Frames for
the same session are handled in arrival order, and each session's output
frames leave in the order its forwarder produced them.

Malformed frames are dropped. A frame that cannot be decoded, or whose type
is unknown, is answered with an error frame carrying its correlation id
(request_id, query_id or session_id), or dropped with a warning when it has
none.
*/
package dispatcher
