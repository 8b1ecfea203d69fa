package registry

// Envelope is the single message shape carried by the RPC server's Invoke
// unary method and Listen streaming method. Service/Method select the
// Table entry; Meta carries request-scoped metadata that isn't part of
// the handler-specific Payload (e.g. a forwarded cluster_id, an is_async
// flag echoed back as a job id); Payload is the JSON-encoded
// handler-specific request or response body.
type Envelope struct {
	Service string            `json:"service"`
	Method  string            `json:"method"`
	Meta    map[string]string `json:"meta,omitempty"`
	Payload []byte            `json:"payload,omitempty"`
}
