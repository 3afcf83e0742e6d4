// Package httputil holds the JSON response writers, request parsers and
// middleware shared by the forgehealth HTTP handlers.
//
// Responses:
//
//	httputil.WriteSuccess(w, figure)
//	httputil.WriteAccepted(w, tasks)
//	httputil.WriteBadRequest(w, "unknown interval")
//
// Repository lists accept repeated or comma separated values:
//
//	repos, err := httputil.ParseQueryIDs(r, "repos") // ?repos=1,2&repos=3
//
// Middleware, outermost first:
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware(logger),
//		httputil.RecoveryMiddleware,
//		httputil.LoggingMiddleware,
//		httputil.CORSMiddleware(origins),
//	)(router)
package httputil
