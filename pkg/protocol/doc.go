/*
Package protocol defines the JSON frames exchanged between a cocoon worker
and its signaling service.

Every frame is a flat JSON object whose "type" field selects its shape:

	{"type":"execute","command":"echo hello"}
	{"type":"pty_output","session_id":"...","data":"hello\r\n"}

Frame structs do not carry the discriminator themselves. Each implements
Frame, and Encode injects the type when the frame is written. Inbound
frames are routed by first calling Peek, which decodes only the Envelope
(type plus whichever correlation id is present), and then Decode into the
concrete struct for that type.

Correlation ids are request_id for execute, attach and proxy requests,
query_id for queries and session_id for PTY traffic. Error frames echo the
id of the request they answer so the remote side can match them.
*/
package protocol
