// Package rpc implements the JSON-RPC over HTTP transport used to talk to the
// COLT companion service.
//
// Each call is a single HTTP POST whose body is
//
//	{"id": 7, "method": "runBaseCompilation", "params": ["token"]}
//
// and whose response is either {"result": ...} or {"error": ...}. Errors are
// classified into a Kind so callers can tell authentication failures (which
// trigger a short-code exchange) from transport failures (the service is not
// running) and ordinary service faults.
//
// A Connection identifies one endpoint for one project and owns the request id
// counter. Ids start at 1 and grow by exactly one per Invoke, whether or not
// the call succeeds.
//
// Calls on one Transport are not pipelined by the service; callers that need
// ordering must serialize their own calls.
package rpc
