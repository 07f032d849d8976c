/*
Package server provides HTTP/HTTPS server lifecycle management: non-blocking
start, graceful shutdown, and OS signal handling.

Manager wraps net/http.Server, unifying listen/serve/shutdown/error
propagation. It supports both plain HTTP and TLS, with built-in
SIGINT/SIGTERM handling suited to graceful production stop.
*/
package server
