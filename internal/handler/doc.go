// Package handler implements the HTTP surface of the provider supervisor.
//
// # Endpoints
//
//	GET  /api/providers                              list every known provider
//	GET  /api/providers/{module}/{entry}             one provider
//	POST /api/providers/{module}/{entry}/bind        request a bind (202)
//	POST /api/providers/{module}/{entry}/unbind      request an unbind (202)
//	POST /api/refresh                                rescan the registry
//	GET  /api/playback                               playback connection state
//	POST /api/playback/connect                       bind the playback connection
//
// The entry point is the last path segment before any action, so modules
// containing slashes are addressable.
//
// Errors are returned as JSON with an {error, details} body. Provider state
// changes are streamed separately on /events by the hub package.
//
// Middleware provides panic recovery, CORS and request logging.
package handler
