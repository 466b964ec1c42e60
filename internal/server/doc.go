// Package server hosts the Fiber HTTP service and the request boundary in
// front of the relay: request IDs, JSON body parsing of {"url": "..."}, the
// 400 rejection for requests without a url, and the ordering that lets the
// cache hook short-circuit before the fetch handler runs. It also builds the
// shared upstream http.Client. Diagnostics live under /-/ and bypass the
// request body contract.
package server
