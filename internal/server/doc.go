// Package server exposes the importer and the job scheduler as a small JSON HTTP API.
//
// # Router Infrastructure
//
// The [Router] interface defines HTTP routing with middleware support.
//
// [Middleware] wraps handlers in reverse order (last added executes first). [BasicRouter]
// registers "METHOD /path" patterns on an [http.ServeMux], so wildcards such as {key} are read
// with [http.Request.PathValue] and unknown methods get 405.
//
// # Routes
//
//	POST /imports                 start an import (202 queued, 200 already running)
//	GET  /imports                 active imports
//	GET  /imports/{key}           status of one import, aliases followed
//	GET  /imports/{key}/report    latest run report
//	GET  /jobs                    scheduled jobs
//	GET  /jobs/health             scheduler health
//	POST /jobs/{name}/enable
//	POST /jobs/{name}/disable
//	POST /jobs/{name}/run         run a job now and wait for it
//	GET  /metrics                 Prometheus exposition
//	GET  /healthz
//
// Errors are JSON bodies of the form {"error": "..."}; [StatusCode] maps sentinel errors onto
// response codes.
package server
